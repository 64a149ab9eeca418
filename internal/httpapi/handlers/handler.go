package handlers

import (
	"gorm.io/gorm"

	"github.com/arjunv/jobdispatch/internal/config"
	"github.com/arjunv/jobdispatch/internal/dispatch"
	"github.com/arjunv/jobdispatch/internal/email"
)

// Handler holds the dependencies every HTTP handler needs: the user
// table's DB handle and the Dispatcher that fronts the dispatch engine.
// Handlers call into the Dispatcher's Submit/Retry/Get/List/Stats; they
// never touch the Store or Broker directly.
type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	Dispatcher  *dispatch.Dispatcher
	SMTPSetting email.SMTPConfig
}

func NewHandler(db *gorm.DB, cfg config.Config, d *dispatch.Dispatcher) *Handler {
	return &Handler{
		DB:         db,
		Cfg:        cfg,
		Dispatcher: d,
		SMTPSetting: email.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		},
	}
}
