package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/budgetly/mailsync/internal/config"
	"github.com/budgetly/mailsync/internal/model"
	"github.com/budgetly/mailsync/internal/resilience"
	"github.com/budgetly/mailsync/pkg/llm"
)

// receiptKeywords drives the fallback triage when the AI call fails:
// any header whose subject or sender contains one of these survives.
var receiptKeywords = []string{
	"receipt",
	"order confirmation",
	"payment confirmation",
	"invoice",
	"transaction",
	"payment",
	"charge",
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Gateway runs the pipeline's AI operations against one resolved provider.
// Every provider call is retried uniformly: the chat surface does not let
// us tell a throttle from a bad prompt, so all failures burn attempts.
type Gateway struct {
	client llm.Client
	cfg    config.ProviderConfig
	sync   config.SyncConfig
	retry  resilience.RetryConfig
	now    func() time.Time
}

// NewGateway builds a Gateway over an llm client.
func NewGateway(client llm.Client, provider config.ProviderConfig, syncCfg config.SyncConfig, retry resilience.RetryConfig) *Gateway {
	retry.ShouldRetry = resilience.RetryAll
	return &Gateway{
		client: client,
		cfg:    provider,
		sync:   syncCfg,
		retry:  retry,
		now:    time.Now,
	}
}

// BatchSize returns the provider's parse concurrency, at least 1.
func (g *Gateway) BatchSize() int {
	if g.cfg.BatchSize < 1 {
		return 1
	}
	return g.cfg.BatchSize
}

// BatchDelay returns the provider's inter-batch throttle.
func (g *Gateway) BatchDelay() time.Duration {
	return g.cfg.BatchDelay()
}

func (g *Gateway) chat(ctx context.Context, operation, prompt string) (string, error) {
	g.retry.OnRetry = resilience.RetryLogger(g.cfg.Label, operation)
	resp, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*llm.ChatCompletionResponse, error) {
		return g.client.ChatCompletion(ctx, llm.ChatCompletionRequest{
			Messages: []llm.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("ai: %s", operation))
	}
	return resp.Text(), nil
}

// Triage asks the provider which of the given headers look like purchase
// receipts and returns their positions. Indices outside the input range
// are discarded.
func (g *Gateway) Triage(ctx context.Context, headers []model.EmailHeader) ([]int, error) {
	if len(headers) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	for i, h := range headers {
		fmt.Fprintf(&sb, "%d. From: %s | Subject: %s | Snippet: %s\n", i, h.From, h.Subject, h.Snippet)
	}

	prompt := fmt.Sprintf(`You are filtering emails for purchase receipts and order confirmations.

Below is a numbered list of emails (index, sender, subject, snippet).
Return a JSON array containing ONLY the indices of emails that are likely
purchase receipts, order confirmations, or payment notifications.
Exclude newsletters, promotions, shipping-only updates, and personal mail.
Return only the JSON array, no other text. Example: [0, 3, 7]

%s`, sb.String())

	text, err := g.chat(ctx, "triage", prompt)
	if err != nil {
		return nil, err
	}

	var indices []int
	if err := json.Unmarshal([]byte(extractJSONArray(text)), &indices); err != nil {
		return nil, eris.Wrap(err, "ai: triage parse")
	}

	out := indices[:0]
	for _, idx := range indices {
		if idx >= 0 && idx < len(headers) {
			out = append(out, idx)
		}
	}
	return out, nil
}

// KeywordTriage is the degraded triage path: subject/sender keyword match
// against the receipt keyword list.
func KeywordTriage(headers []model.EmailHeader) []int {
	var out []int
	for i, h := range headers {
		haystack := strings.ToLower(h.Subject + " " + h.From)
		for _, kw := range receiptKeywords {
			if strings.Contains(haystack, kw) {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

// rawReceipt is the unvalidated provider answer for one email.
type rawReceipt struct {
	Merchant    *string  `json:"merchant"`
	Amount      *float64 `json:"amount"`
	Currency    string   `json:"currency"`
	Date        string   `json:"date"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Confidence  *float64 `json:"confidence"`
}

// ParseReceipt extracts a structured receipt from one email. It returns
// (nil, nil) when the provider answers "not a receipt" (null merchant) or
// when validation rejects the amount; a non-nil receipt has passed every
// field rule and is safe to persist.
func (g *Gateway) ParseReceipt(ctx context.Context, email model.EmailMessage) (*model.ParsedReceipt, error) {
	body := email.Body
	if len(body) > g.sync.MaxBodyChars {
		body = body[:g.sync.MaxBodyChars]
	}

	prompt := fmt.Sprintf(`Extract the purchase details from this email. If it is NOT a
purchase receipt or payment confirmation, return {"merchant": null}.

Respond with ONLY a JSON object in this exact shape:
{
  "merchant": "store or service name",
  "amount": 123.45,
  "currency": "three-letter ISO code, e.g. MYR or USD",
  "date": "YYYY-MM-DD",
  "category": "one of: %s",
  "description": "short description of the purchase",
  "confidence": 0.0 to 1.0
}

Email subject: %s
Email from: %s
Email date: %s
Email body:
%s`, strings.Join(model.DefaultCategoryNames, ", "), email.Subject, email.From, email.Date, body)

	text, err := g.chat(ctx, "parse receipt", prompt)
	if err != nil {
		return nil, err
	}

	var raw rawReceipt
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return nil, eris.Wrap(err, "ai: parse receipt decode")
	}

	return g.validateReceipt(raw, email), nil
}

// validateReceipt applies the field rules. A nil return means the answer
// does not describe a usable receipt.
func (g *Gateway) validateReceipt(raw rawReceipt, email model.EmailMessage) *model.ParsedReceipt {
	if raw.Merchant == nil || strings.TrimSpace(*raw.Merchant) == "" {
		return nil
	}
	if raw.Amount == nil || *raw.Amount <= 0 || *raw.Amount >= g.sync.MaxAmount {
		return nil
	}

	currency := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if !currencyPattern.MatchString(currency) {
		currency = g.sync.DefaultCurrency
	}

	confidence := 0.5
	if raw.Confidence != nil {
		confidence = *raw.Confidence
		if confidence < 0 {
			confidence = 0
		} else if confidence > 1 {
			confidence = 1
		}
	}

	return &model.ParsedReceipt{
		Merchant:    strings.TrimSpace(*raw.Merchant),
		Amount:      *raw.Amount,
		Currency:    currency,
		Date:        g.normalizeDate(raw.Date, email.Date),
		Category:    model.SnapCategory(raw.Category),
		Description: strings.TrimSpace(raw.Description),
		Confidence:  confidence,
	}
}

// normalizeDate returns a YYYY-MM-DD date: the provider's answer when it
// starts with one (timestamps are truncated to the date), else the email's
// own Date header, else today.
func (g *Gateway) normalizeDate(candidate, emailDate string) string {
	if len(candidate) >= 10 {
		if _, err := time.Parse("2006-01-02", candidate[:10]); err == nil {
			return candidate[:10]
		}
	}
	if t, err := mail.ParseDate(emailDate); err == nil {
		return t.Format("2006-01-02")
	}
	return g.now().Format("2006-01-02")
}

// DetectDuplicates asks the provider which candidates describe the same
// real-world purchase. Groups referencing unknown positions are filtered;
// groups smaller than two members are dropped.
func (g *Gateway) DetectDuplicates(ctx context.Context, candidates []model.DedupCandidate) ([]model.DuplicateGroup, error) {
	if len(candidates) < 2 {
		return nil, nil
	}

	encoded, err := json.Marshal(candidates)
	if err != nil {
		return nil, eris.Wrap(err, "ai: marshal dedup candidates")
	}

	prompt := fmt.Sprintf(`These transactions were extracted from different emails. Some may be
duplicate notifications of the same real purchase (e.g. an order
confirmation plus a payment confirmation with the same merchant, amount,
and nearby dates).

Return a JSON array of duplicate groups. Each group is
{"indices": [..], "primary_index": n, "reason": "why"} where primary_index
is the member to keep. Transactions not in any group are unique.
Return [] if there are no duplicates. Return only the JSON array.

%s`, string(encoded))

	text, err := g.chat(ctx, "detect duplicates", prompt)
	if err != nil {
		return nil, err
	}

	var groups []model.DuplicateGroup
	if err := json.Unmarshal([]byte(extractJSONArray(text)), &groups); err != nil {
		return nil, eris.Wrap(err, "ai: detect duplicates parse")
	}

	return sanitizeGroups(groups, len(candidates)), nil
}

func sanitizeGroups(groups []model.DuplicateGroup, n int) []model.DuplicateGroup {
	var out []model.DuplicateGroup
	for _, grp := range groups {
		var indices []int
		for _, idx := range grp.Indices {
			if idx >= 0 && idx < n {
				indices = append(indices, idx)
			}
		}
		if len(indices) < 2 {
			continue
		}

		primary := grp.PrimaryIndex
		valid := false
		for _, idx := range indices {
			if idx == primary {
				valid = true
				break
			}
		}
		if !valid {
			primary = indices[0]
		}

		out = append(out, model.DuplicateGroup{
			Indices:      indices,
			PrimaryIndex: primary,
			Reason:       grp.Reason,
		})
	}
	return out
}

// Categorize maps a merchant (and optional description) onto the default
// category set. The provider's answer is snapped to the enumeration.
func (g *Gateway) Categorize(ctx context.Context, merchant, description string) (string, error) {
	prompt := fmt.Sprintf(`Categorize this purchase into exactly one of these categories:
%s

Merchant: %s
Description: %s

Respond with only the category name, nothing else.`,
		strings.Join(model.DefaultCategoryNames, ", "), merchant, description)

	text, err := g.chat(ctx, "categorize", prompt)
	if err != nil {
		return "", err
	}

	category := model.SnapCategory(strings.TrimSpace(text))
	zap.L().Debug("categorized merchant",
		zap.String("merchant", merchant),
		zap.String("category", category),
	)
	return category, nil
}

// extractJSON strips markdown fences and slices out the first JSON object.
func extractJSON(text string) string {
	text = stripFences(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// extractJSONArray strips markdown fences and slices out the first JSON array.
func extractJSONArray(text string) string {
	text = stripFences(text)
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	return text
}
