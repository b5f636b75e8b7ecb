// Package secrets redacts credentials from free text before it is stored.
//
// Outcome events carry user-written feedback that is persisted in the
// outcome history. Users paste all sorts of things into feedback boxes, so
// the history store is wrapped with a Redactor that runs the Gitleaks
// default rule set over FeedbackText and replaces every detected secret with
// a [REDACTED:rule-id] marker. Sentiment is classified from the original
// text before redaction; only the stored copy changes.
//
// An optional TOML allowlist suppresses known false positives:
//
//	[allowlist]
//	regexes = ['''DEMO_API_KEY''']
package secrets
