package handler

import (
	"github.com/gin-gonic/gin"

	"membersite/internal/account"
	"membersite/internal/logging"
	"membersite/internal/middleware"
)

type AccountHandler struct {
	Accounts *account.Service
	Logger   logging.Logger
}

func (h *AccountHandler) Signup(c *gin.Context) {
	res, err := h.Accounts.Signup(c.Request.Context(),
		middleware.Field(c, "email"),
		middleware.Field(c, "password1"),
		middleware.Field(c, "password2"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"session": res.SessionID, "verified": res.Verified})
}

func (h *AccountHandler) Login(c *gin.Context) {
	res, err := h.Accounts.Login(c.Request.Context(),
		middleware.Field(c, "email"),
		middleware.Field(c, "password"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"session": res.SessionID, "verified": res.Verified})
}

func (h *AccountHandler) GetAccount(c *gin.Context) {
	details, err := h.Accounts.Account(middleware.SessionFromContext(c), middleware.Field(c, "details"))
	if err != nil {
		failWith(c, h.Logger, err, gin.H{"session": "none"})
		return
	}
	body := gin.H{}
	for k, v := range details {
		body[k] = v
	}
	succeed(c, body)
}

func (h *AccountHandler) KillSession(c *gin.Context) {
	h.Accounts.Logout(middleware.SessionFromContext(c))
	succeed(c, nil)
}

func (h *AccountHandler) Refresh(c *gin.Context) {
	if err := h.Accounts.RefreshSession(c.Request.Context(), middleware.SessionFromContext(c)); err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, nil)
}

func (h *AccountHandler) ChangeSubscription(c *gin.Context) {
	msg, err := h.Accounts.ChangeSubscription(c.Request.Context(),
		middleware.SessionFromContext(c), middleware.Field(c, "subscription"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"message": msg})
}

// SendPasswordEmail starts a password reset. A request naming a session
// that no longer exists is refused rather than treated as forgot-password.
func (h *AccountHandler) SendPasswordEmail(c *gin.Context) {
	sess := middleware.SessionFromContext(c)
	if sess == nil && middleware.Field(c, "session") != "" {
		fail(c, h.Logger, account.ErrNotAuthorized)
		return
	}
	res, err := h.Accounts.StartPasswordReset(c.Request.Context(), sess,
		middleware.Field(c, "email"),
		middleware.Field(c, "password1"),
		middleware.Field(c, "password2"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"email": res.Email, "session": res.SessionID})
}

func (h *AccountHandler) ChangePassword(c *gin.Context) {
	err := h.Accounts.ConfirmPasswordReset(c.Request.Context(),
		middleware.SessionFromContext(c), middleware.Field(c, "code"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"message": account.MsgPasswordChanged})
}

func (h *AccountHandler) SendChangeEmail(c *gin.Context) {
	current, err := h.Accounts.StartEmailChange(c.Request.Context(),
		middleware.SessionFromContext(c), middleware.Field(c, "email"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"email": current})
}

func (h *AccountHandler) ChangeEmail(c *gin.Context) {
	err := h.Accounts.ConfirmEmailChange(c.Request.Context(),
		middleware.SessionFromContext(c), middleware.Field(c, "code"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, nil)
}

func (h *AccountHandler) SendDeleteEmail(c *gin.Context) {
	email, err := h.Accounts.StartDeletion(c.Request.Context(), middleware.SessionFromContext(c))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"email": email})
}

func (h *AccountHandler) DeleteAccount(c *gin.Context) {
	err := h.Accounts.ConfirmDeletion(c.Request.Context(),
		middleware.SessionFromContext(c), middleware.Field(c, "code"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, nil)
}

func (h *AccountHandler) SendVerificationEmail(c *gin.Context) {
	if err := h.Accounts.SendVerification(c.Request.Context(), middleware.SessionFromContext(c)); err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, nil)
}

func (h *AccountHandler) VerifyAccount(c *gin.Context) {
	err := h.Accounts.VerifyAccount(c.Request.Context(),
		middleware.SessionFromContext(c), middleware.Field(c, "code"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, nil)
}
