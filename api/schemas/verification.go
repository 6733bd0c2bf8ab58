// File: api/schemas/verification.go
package schemas

// ChallengeType identifies a human-verification vendor/mechanism.
type ChallengeType string

const (
	ChallengeRecaptchaV2 ChallengeType = "recaptcha_v2"
	ChallengeRecaptchaV3 ChallengeType = "recaptcha_v3"
	ChallengeHCaptcha    ChallengeType = "hcaptcha"
	ChallengeTurnstile   ChallengeType = "turnstile"
	ChallengeUnknown     ChallengeType = "unknown"
)

// VerificationChallenge describes an interactive human-verification
// mechanism found on a target surface. Transient; never persisted.
type VerificationChallenge struct {
	Found   bool          `json:"found"`
	Type    ChallengeType `json:"type"`
	SiteKey string        `json:"siteKey,omitempty"`
	PageURL string        `json:"pageUrl,omitempty"`
}
