package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsClose(t *testing.T) {
	for _, in := range []string{"cerrar", "FIN", " #cerrar ", "#fin", "Salir"} {
		require.True(t, IsClose(in), in)
	}
	for _, in := range []string{"cerrar venta con Juan", "#mas", "", "fin de semana"} {
		require.False(t, IsClose(in), in)
	}
}

func TestIsExtend(t *testing.T) {
	for _, in := range []string{"#mas", "#MÁS", "#continuar"} {
		require.True(t, IsExtend(in), in)
	}
	require.False(t, IsExtend("mas"))
}

func TestBridgeTarget(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"bridge Juan", "juan", true},
		{"chat directo Ana López", "ana lópez", true},
		{"chatdirecto ana", "ana", true},
		{"directo  luis ", "luis", true},
		{"bridge", "", false},
		{"hola bridge juan", "", false},
	}
	for _, tc := range cases {
		got, ok := BridgeTarget(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestIsControl(t *testing.T) {
	require.True(t, IsControl("#cerrar"))
	require.True(t, IsControl("#continuar"))
	require.True(t, IsControl("bridge pedro"))
	require.False(t, IsControl("¿a qué hora es la cita?"))
}
