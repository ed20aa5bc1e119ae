package account

import "fmt"

var subscriptionMessages = [...]string{
	"You are now unsubscribed from receiving emails.",
	"You are now subscribed to receive emails.",
	"You are now subscribed to receive emails and reminders.",
}

const (
	MsgPasswordChanged = "Your password was successfully changed!"

	subjectPasswordChange = "Verify your Password Change Request"
	subjectEmailChange    = "Verify your Email Change Request"
	subjectDeletion       = "Verify your Account Deletion Request"
)

type templates struct {
	siteName string
	support  string
}

func (t templates) footer(verb string) string {
	if t.support == "" {
		return fmt.Sprintf("This message was sent by the %s automated system. If you %s please ignore it.", t.siteName, verb)
	}
	return fmt.Sprintf("This message was sent by the %s automated system. If you %s please contact %s", t.siteName, verb, t.support)
}

func (t templates) body(intro, code, verb string) string {
	return fmt.Sprintf("Hello,\r\n%s Please copy this code and return to %s's website: %s\r\n\r\n%s",
		intro, t.siteName, code, t.footer(verb))
}

func (t templates) verificationSubject() string {
	return fmt.Sprintf("Verify your %s account", t.siteName)
}

func (t templates) passwordChange(code string) string {
	return t.body("You requested a change of your password.", code, "did not make this request")
}

func (t templates) emailChange(code, newEmail string) string {
	return t.body(fmt.Sprintf("You requested a change of your email address to %s.", newEmail), code, "did not make this request")
}

func (t templates) deletion(code string) string {
	return t.body(fmt.Sprintf("You requested a deletion of your %s account.", t.siteName), code, "did not make this request")
}

func (t templates) verification(code string) string {
	return t.body("You requested a verification of your email address by logging in.", code, "received it in error")
}
