package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"membersite/internal/account"
	"membersite/internal/admin"
	"membersite/internal/content"
	"membersite/internal/handler"
	"membersite/internal/hub"
	"membersite/internal/logging"
	"membersite/internal/metrics"
	"membersite/internal/middleware"
	"membersite/internal/session"
)

type Deps struct {
	Sessions *session.Store
	Accounts *account.Service
	Editor   *admin.Editor
	MailAuth *admin.MailAuth
	Mailing  *admin.Mailing
	Content  *content.Service
	Hub      *hub.Hub
	Logger   logging.Logger

	// Optional.
	Metrics     *metrics.Metrics
	RateLimiter *middleware.RateLimiter
	Ping        func(ctx context.Context) error
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.AccessLog(deps.Logger))
	if deps.Metrics != nil {
		r.Use(middleware.Metrics(deps.Metrics))
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	health := &handler.HealthHandler{Ping: deps.Ping}
	r.GET("/health", health.Check)

	feed := &handler.FeedHandler{Hub: deps.Hub, Sessions: deps.Sessions, Logger: deps.Logger}
	r.GET("/api/admin_feed", feed.Serve)

	api := r.Group("/api")
	api.Use(middleware.Fields(), middleware.LoadSession(deps.Sessions))

	// Endpoints that create accounts, check passwords or send mail.
	limited := api.Group("")
	if deps.RateLimiter != nil {
		limited.Use(middleware.RateLimitMiddleware(deps.RateLimiter))
	}

	accounts := &handler.AccountHandler{Accounts: deps.Accounts, Logger: deps.Logger}
	limited.POST("/signup", accounts.Signup)
	limited.POST("/login", accounts.Login)
	api.POST("/get_account", accounts.GetAccount)
	api.POST("/kill_session", accounts.KillSession)
	api.POST("/refresh", accounts.Refresh)
	api.POST("/change_subscription", accounts.ChangeSubscription)
	limited.POST("/send_password_email", accounts.SendPasswordEmail)
	api.POST("/change_password", accounts.ChangePassword)
	limited.POST("/send_change_email", accounts.SendChangeEmail)
	api.POST("/change_email", accounts.ChangeEmail)
	limited.POST("/send_delete_email", accounts.SendDeleteEmail)
	api.POST("/delete_account", accounts.DeleteAccount)
	limited.POST("/send_verification_email", accounts.SendVerificationEmail)
	api.POST("/verify_account", accounts.VerifyAccount)

	admins := &handler.AdminHandler{Editor: deps.Editor, MailAuth: deps.MailAuth, Mailing: deps.Mailing, Logger: deps.Logger}
	api.POST("/get_database", admins.GetDatabase)
	api.POST("/get_row_titles", admins.GetRowTitles)
	api.POST("/add_row", admins.AddRow)
	api.POST("/change_row", admins.ChangeRow)
	api.POST("/delete_row", admins.DeleteRow)
	api.POST("/move_row_to_end", admins.MoveRowToEnd)
	api.POST("/move_row_to_start", admins.MoveRowToStart)
	api.POST("/get_gmail_auth_url", admins.GetGmailAuthURL)
	api.POST("/send_gmail_code", admins.SendGmailCode)
	api.POST("/send_email", admins.SendEmail)

	pages := &handler.ContentHandler{Content: deps.Content, Logger: deps.Logger}
	api.POST("/get_songs", pages.GetSongs)
	api.POST("/get_image_list", pages.GetImageList)
	api.POST("/get_calendar_events", pages.GetCalendarEvents)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false})
	})
	return r
}
