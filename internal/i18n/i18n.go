// Package i18n provides the user-facing string table for error messages and
// usage footers.
//
// Translations are embedded at build time. Lookup falls back from the
// requested language to English, then to the raw key, so a missing
// translation can never fail a request.
package i18n

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
)

//go:embed translations.json
var translationsJSON []byte

// fallbackLanguage is used when a key is missing in the requested language.
const fallbackLanguage = "en"

// Table resolves localization keys to translated strings.
type Table struct {
	languages map[string]map[string]string
}

// Load parses the embedded translation table.
func Load() (*Table, error) {
	langs := make(map[string]map[string]string)
	if err := json.Unmarshal(translationsJSON, &langs); err != nil {
		return nil, fmt.Errorf("i18n: parse embedded translations: %w", err)
	}
	if _, ok := langs[fallbackLanguage]; !ok {
		return nil, fmt.Errorf("i18n: embedded translations missing %q fallback", fallbackLanguage)
	}
	return &Table{languages: langs}, nil
}

// Text returns the translation of key in lang, falling back to English and
// finally to the key itself.
func (t *Table) Text(key, lang string) string {
	if msgs, ok := t.languages[lang]; ok {
		if s, ok := msgs[key]; ok {
			return s
		}
	}
	if s, ok := t.languages[fallbackLanguage][key]; ok {
		if lang != fallbackLanguage {
			slog.Warn("no translation available, using fallback", "key", key, "lang", lang)
		}
		return s
	}
	slog.Warn("no translation definition for key", "key", key)
	return key
}
