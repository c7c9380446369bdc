package web

import (
	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// AccountStatus is one account's trading state as exposed over HTTP.
type AccountStatus struct {
	Email         string  `json:"email"`
	Simulation    bool    `json:"simulation"`
	State         string  `json:"state"`
	Busy          bool    `json:"busy"`
	SessionsEnded int     `json:"sessions_ended"`
	LastProfit    float64 `json:"last_profit_percent"`
}

// StatusReport is the payload of the status endpoint.
type StatusReport struct {
	AppName     string          `json:"app_name"`
	Version     string          `json:"version"`
	Environment string          `json:"environment"`
	Stopped     bool            `json:"stopped"`
	Observers   int             `json:"observers"`
	Accounts    []AccountStatus `json:"accounts"`
}

// StopSummary is the payload returned by the stop endpoint. Strategies that
// were mid-trade keep monitoring their position until it resolves.
type StopSummary struct {
	Total    int `json:"total"`
	MidTrade int `json:"mid_trade"`
	Idle     int `json:"idle"`
}

// SessionSummary is one finished trading session as exposed over HTTP.
type SessionSummary struct {
	ID            string  `json:"id"`
	AccountEmail  string  `json:"account_email"`
	Symbol        string  `json:"symbol"`
	Result        string  `json:"result"`
	Simulated     bool    `json:"simulated"`
	ProfitPercent float64 `json:"profit_percent"`
	ProfitQuote   float64 `json:"profit_quote"`
	StartedAt     int64   `json:"started_at"`
	EndedAt       int64   `json:"ended_at"`
}

// AppController defines the interface the web package needs to interact with
// the main application's state.
type AppController interface {
	StatusReport() StatusReport
	StopTrading() StopSummary
	RecentSessions(limit int) ([]SessionSummary, error)
	Logger() *utilities.Logger
}
