package scripts

import "strings"

// Supported locales.
const (
	LocaleEN = "en"
	LocalePT = "pt_BR"
	LocaleES = "es_ES"
	LocaleFR = "fr_FR"
	LocaleDE = "de_DE"
)

// Locales returns the supported locales in display order.
func Locales() []string {
	return []string{LocaleEN, LocalePT, LocaleES, LocaleFR, LocaleDE}
}

// NormalizeLocale maps a locale tag such as "pt-BR", "es" or "de_AT.UTF-8"
// to one of the supported locales. Anything unknown becomes English.
func NormalizeLocale(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if len(tag) < 2 {
		return LocaleEN
	}
	switch tag[:2] {
	case "pt":
		return LocalePT
	case "es":
		return LocaleES
	case "fr":
		return LocaleFR
	case "de":
		return LocaleDE
	default:
		return LocaleEN
	}
}

// descriptionLabels lists the description keyword recognised for each
// locale. French shares the English spelling.
var descriptionLabels = []struct {
	locale string
	label  string
}{
	{LocaleEN, "description"},
	{LocalePT, "descrição"},
	{LocaleES, "descripción"},
	{LocaleDE, "beschreibung"},
}

// untitled is the fallback title for scripts with no usable name.
var untitled = map[string]string{
	LocaleEN: "Untitled",
	LocalePT: "Sem título",
	LocaleES: "Sin título",
	LocaleFR: "Sans titre",
	LocaleDE: "Ohne Titel",
}

func untitledFor(locale string) string {
	if s, ok := untitled[locale]; ok {
		return s
	}
	return untitled[LocaleEN]
}
