package notify

import (
	"fmt"
	"html"
	"time"
)

// SubscriptionActivated is sent after a successful payment.
func SubscriptionActivated(credential string, expiresAt time.Time) string {
	msg := "✅ Оплата получена, подписка активна.\n\n"
	if !expiresAt.IsZero() {
		msg += fmt.Sprintf("Действует до: <b>%s</b>\n", expiresAt.UTC().Format("02.01.2006"))
	}
	msg += fmt.Sprintf("Ваша ссылка для подключения:\n<code>%s</code>", html.EscapeString(credential))
	return msg
}

// ProvisioningFailed is the operator alert for money received without service.
func ProvisioningFailed(orderID, userRef, planID string, err error) string {
	return fmt.Sprintf("🚨 <b>CRITICAL</b>: payment confirmed but VPN provisioning failed\norder: <code>%s</code>\nuser: <code>%s</code>\nplan: %s\nerror: %s",
		html.EscapeString(orderID), html.EscapeString(userRef), html.EscapeString(planID), html.EscapeString(err.Error()))
}
