package model

// ParsedReceipt is a structured transaction extracted from one email by the
// AI provider and validated by the gateway. A nil ParsedReceipt means "not a
// receipt" and is filtered, never stored.
type ParsedReceipt struct {
	Merchant    string  `json:"merchant"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Date        string  `json:"date"` // YYYY-MM-DD
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// DuplicateGroup is a set of parsed-receipt positions the AI judged to be
// the same real-world purchase. It exists only within a single run; the
// persistence layer replaces it with a freshly minted group id.
type DuplicateGroup struct {
	Indices      []int  `json:"indices"`
	PrimaryIndex int    `json:"primary_index"`
	Reason       string `json:"reason"`
}

// DedupCandidate is the compact view of a parsed receipt sent to the
// duplicate detector.
type DedupCandidate struct {
	Index        int     `json:"index"`
	Merchant     string  `json:"merchant"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	Date         string  `json:"date"`
	EmailSubject string  `json:"email_subject"`
}
