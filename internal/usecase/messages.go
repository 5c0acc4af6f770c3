package usecase

import (
	"fmt"
	"strings"
	"time"
)

// Replies sent back to actors. Relayed bridge text is never formatted; these
// only cover what the coordinator itself says.

func msgNoSession() string {
	return "No tienes un chat directo activo."
}

func msgClosed(label string) string {
	return fmt.Sprintf("✅ Chat directo con %s cerrado.", label)
}

func msgClosedByOther(label string) string {
	return fmt.Sprintf("🔒 %s cerró el chat directo.", label)
}

func msgExtended(d time.Duration) string {
	return fmt.Sprintf("✅ *Chat directo extendido %d min más*\n\nContinúa la conversación.", int(d.Minutes()))
}

func msgBridgeOpened(label string, d time.Duration) string {
	return fmt.Sprintf("🔗 *Chat directo con %s activado*\n\nTus mensajes irán directo a %s por *%d minutos*.\n\n_Escribe #cerrar para terminar o #mas para extender._",
		label, label, int(d.Minutes()))
}

func msgBridgeInvite(label string, d time.Duration) string {
	return fmt.Sprintf("🔗 *Chat directo activado*\n\n*%s* quiere hablar contigo directamente.\n\nLos próximos mensajes irán directo por *%d minutos*.",
		label, int(d.Minutes()))
}

func msgNoMatch(query string) string {
	return fmt.Sprintf("No encontré a nadie llamado \"%s\".", query)
}

func msgManyMatches(query string, names []string) string {
	return fmt.Sprintf("Encontré varios para \"%s\": %s. Escribe un nombre más completo.", query, strings.Join(names, ", "))
}

func msgSent(label string) string {
	return fmt.Sprintf("✓ Enviado a %s", label)
}

func msgRelayFailed(label string) string {
	return fmt.Sprintf("❌ No se pudo enviar a %s. Intenta de nuevo.", label)
}

func msgTemplateMenu(label string) string {
	return fmt.Sprintf("⚠️ *%s no ha escrito en 24h*\n\n"+
		"WhatsApp no permite mensajes directos.\n\n"+
		"*¿Qué quieres hacer?*\n\n"+
		"*1.* 📩 Template reactivación\n"+
		"*2.* 📩 Template seguimiento\n"+
		"*3.* 📩 Template info crédito\n"+
		"*4.* 📞 Contactar directo (te doy su cel)\n"+
		"*5.* ❌ Cancelar\n\n"+
		"_Responde con el número_", label)
}

func msgTemplateSent(label string) string {
	return fmt.Sprintf("✅ Template enviado a %s. Cuando responda le llegará tu mensaje.", label)
}

func msgDirectContact(label, address string) string {
	return fmt.Sprintf("📞 *Contacto directo con %s*\n\n📱 *Teléfono:* +%s\n📲 *WhatsApp:* wa.me/%s", label, address, address)
}

func msgCancelled(label string) string {
	return fmt.Sprintf("✅ Cancelado. No se envió nada a %s.", label)
}

func msgReplyForwarded(label, text string) string {
	return fmt.Sprintf("💬 *%s respondió:*\n\n%s", label, text)
}

func msgHealthAlert(err error) string {
	return fmt.Sprintf("🚨 *Health check falló*\n\n%v", err)
}
