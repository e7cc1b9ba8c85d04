package ingest

import (
	"strings"
)

// OthersVendor is the fallback bucket for senders no rule matches.
const OthersVendor = "Others"

// Rule maps a lowercase pattern (matched against the sender domain and the
// subject) to a vendor name.
type Rule struct {
	Pattern string
	Vendor  string
}

var defaultRules = []Rule{
	{Pattern: "amazon", Vendor: "Amazon"},
	{Pattern: "aws", Vendor: "Amazon Web Services"},
	{Pattern: "google", Vendor: "Google"},
	{Pattern: "microsoft", Vendor: "Microsoft"},
	{Pattern: "apple", Vendor: "Apple"},
	{Pattern: "uber", Vendor: "Uber"},
	{Pattern: "lyft", Vendor: "Lyft"},
	{Pattern: "fedex", Vendor: "FedEx"},
	{Pattern: "ups.com", Vendor: "UPS"},
	{Pattern: "stripe", Vendor: "Stripe"},
	{Pattern: "paypal", Vendor: "PayPal"},
	{Pattern: "zoom", Vendor: "Zoom"},
	{Pattern: "slack", Vendor: "Slack"},
	{Pattern: "atlassian", Vendor: "Atlassian"},
	{Pattern: "github", Vendor: "GitHub"},
	{Pattern: "digitalocean", Vendor: "DigitalOcean"},
}

// personal mail domains never name a vendor by themselves
var genericDomains = map[string]bool{
	"gmail":   true,
	"outlook": true,
	"hotmail": true,
	"yahoo":   true,
	"icloud":  true,
	"proton":  true,
	"aol":     true,
}

// Classifier assigns a vendor name to a message via deterministic
// domain/keyword heuristics.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier from the default rules plus any extras,
// extras first so they win over the builtins.
func NewClassifier(extra []Rule) *Classifier {
	rules := make([]Rule, 0, len(extra)+len(defaultRules))
	for _, r := range extra {
		r.Pattern = strings.ToLower(r.Pattern)
		rules = append(rules, r)
	}
	rules = append(rules, defaultRules...)
	return &Classifier{rules: rules}
}

// Classify picks a vendor from the sender address and subject. Rules match
// first; otherwise the sender's organization domain is used; personal mail
// domains and unparseable senders land in the Others bucket.
func (c *Classifier) Classify(from, subject string) string {
	domain := senderDomain(from)
	lowerSubject := strings.ToLower(subject)

	for _, r := range c.rules {
		if r.Pattern == "" {
			continue
		}
		if strings.Contains(domain, r.Pattern) || strings.Contains(lowerSubject, r.Pattern) {
			return r.Vendor
		}
	}

	label, _, _ := strings.Cut(domain, ".")
	if label == "" || genericDomains[label] {
		return OthersVendor
	}

	return strings.ToUpper(label[:1]) + label[1:]
}

// senderDomain extracts the lowercase domain from an RFC-ish From header,
// tolerating display names and angle brackets.
func senderDomain(from string) string {
	addr := from
	if start := strings.LastIndex(from, "<"); start >= 0 {
		addr = from[start+1:]
		if end := strings.Index(addr, ">"); end >= 0 {
			addr = addr[:end]
		}
	}

	_, domain, found := strings.Cut(addr, "@")
	if !found {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(domain))
}

// SanitizeFolderName strips characters that are unsafe in folder names and
// collapses whitespace. An empty result falls back to the Others bucket.
func SanitizeFolderName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20:
			// drop control characters
		case strings.ContainsRune(`/\:*?"<>|`, r):
			// drop path separators and shell-hostile characters
		default:
			b.WriteRune(r)
		}
	}

	cleaned := strings.Join(strings.Fields(b.String()), " ")
	if cleaned == "" {
		return OthersVendor
	}
	return cleaned
}
