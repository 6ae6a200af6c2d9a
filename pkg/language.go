package pkg

import "fmt"

// LanguageCode is one of the closed set of languages the translator supports.
type LanguageCode string

const (
	LangEnglish    LanguageCode = "en"
	LangSpanish    LanguageCode = "es"
	LangFrench     LanguageCode = "fr"
	LangGerman     LanguageCode = "de"
	LangItalian    LanguageCode = "it"
	LangPortuguese LanguageCode = "pt"
	LangRussian    LanguageCode = "ru"
	LangChinese    LanguageCode = "zh"
	LangJapanese   LanguageCode = "ja"
	LangKorean     LanguageCode = "ko"
	LangArabic     LanguageCode = "ar"
	LangHindi      LanguageCode = "hi"
	LangBengali    LanguageCode = "bn"
	LangOther      LanguageCode = "other"
)

// Languages lists every supported code in display order.
var Languages = []LanguageCode{
	LangEnglish, LangSpanish, LangFrench, LangGerman, LangItalian, LangPortuguese, LangRussian,
	LangChinese, LangJapanese, LangKorean, LangArabic, LangHindi, LangBengali, LangOther,
}

var languageNames = map[LanguageCode]string{
	LangEnglish:    "English",
	LangSpanish:    "Spanish",
	LangFrench:     "French",
	LangGerman:     "German",
	LangItalian:    "Italian",
	LangPortuguese: "Portuguese",
	LangRussian:    "Russian",
	LangChinese:    "Chinese",
	LangJapanese:   "Japanese",
	LangKorean:     "Korean",
	LangArabic:     "Arabic",
	LangHindi:      "Hindi",
	LangBengali:    "Bengali",
	LangOther:      "Other",
}

// Valid reports whether c is a supported code.  A nil receiver is invalid.
func (c *LanguageCode) Valid() bool {
	if c == nil {
		return false
	}
	_, ok := languageNames[*c]
	return ok
}

// Name returns the English display name, or the raw code if unsupported.
func (c LanguageCode) Name() string {
	if n, ok := languageNames[c]; ok {
		return n
	}
	return string(c)
}

// ParseLanguage returns the code for s or an error if s is not supported.
func ParseLanguage(s string) (LanguageCode, error) {
	c := LanguageCode(s)
	if !c.Valid() {
		return "", fmt.Errorf("unsupported language code %q", s)
	}
	return c, nil
}

// CoerceLanguage maps unsupported codes to LangOther.
func CoerceLanguage(s string) LanguageCode {
	if c, err := ParseLanguage(s); err == nil {
		return c
	}
	return LangOther
}

// LanguageStrings returns the supported codes as strings, e.g. for a JSON
// schema enum.
func LanguageStrings() []string {
	out := make([]string, len(Languages))
	for i, c := range Languages {
		out[i] = string(c)
	}
	return out
}
