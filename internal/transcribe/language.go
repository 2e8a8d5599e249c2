package transcribe

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

const (
	// LanguageAuto lets the model detect the spoken language.
	LanguageAuto = "auto"
	// DefaultLanguage is used when the caller does not name one.
	DefaultLanguage = "ja"
)

var supportedBases = map[string]bool{"ja": true, "en": true}

// SupportedLanguages lists the accepted language codes.
func SupportedLanguages() []string {
	return []string{"ja", "en", LanguageAuto}
}

// ParseLanguage canonicalizes a BCP 47 tag (ja, ja-JP, en-US, ...) to its
// base language and checks it against the supported set.
func ParseLanguage(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return DefaultLanguage, nil
	case LanguageAuto:
		return LanguageAuto, nil
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, raw)
	}
	base, _ := tag.Base()
	if !supportedBases[base.String()] {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedLanguage, raw, strings.Join(SupportedLanguages(), ", "))
	}
	return base.String(), nil
}
