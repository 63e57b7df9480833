package model

// EmailHeader is the lightweight view of a mailbox message used for triage:
// metadata headers plus the provider-generated snippet, no body.
type EmailHeader struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    string `json:"from"`
	Date    string `json:"date"`
	Snippet string `json:"snippet"`
}

// EmailMessage is a fully fetched mailbox message with the extracted
// plain-text body. Immutable within a sync run.
type EmailMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    string `json:"from"`
	Date    string `json:"date"`
	Snippet string `json:"snippet"`
	Body    string `json:"body"`
}
