// Package templates turns job envelopes into SMS text.
package templates

import (
	"fmt"
	"strings"

	"notification-queue/internal/queue"
)

const AppName = "Our App"

type Result struct {
	Message   string
	Recipient queue.Recipient
}

// Render is pure: the same envelope always yields the same Result.
func Render(env queue.Envelope) (Result, error) {
	var msg string
	switch p := env.Payload.(type) {
	case queue.WelcomePayload:
		msg = welcome(p, env.Recipient)
	case queue.OTPPayload:
		msg = otp(p)
	case queue.NotificationPayload:
		msg = p.Message
	default:
		return Result{}, fmt.Errorf("%w: cannot render %q for job %s", queue.ErrUnknownKind, env.Kind(), env.ID)
	}
	return Result{Message: msg, Recipient: env.Recipient}, nil
}

func welcome(p queue.WelcomePayload, to queue.Recipient) string {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = strings.TrimSpace(to.Name)
	}
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Welcome to %s, %s! Your account is ready. Reply STOP to opt out.", AppName, name)
}

func otp(p queue.OTPPayload) string {
	unit := "minutes"
	if p.ExpiryMinutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("Your verification code is %s. It expires in %d %s. Do not share this code with anyone.",
		p.Code, p.ExpiryMinutes, unit)
}
