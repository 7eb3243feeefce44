package hub

import (
	"fmt"

	"github.com/petems/lens-assistant/internal/errs"
)

const (
	LangEnglish = "en"
	LangArabic  = "ar"
)

var asrLanguages = map[string]string{
	LangEnglish: "en-US",
	LangArabic:  "ar-XA",
}

var cannotHearMessages = map[string]string{
	LangEnglish: "Sorry, I cannot hear you well. Please check your microphone.",
	LangArabic:  "عذرا لم استطع سماعك تاكد من ان الميكروفون يعمل جيدا",
}

// ASRLanguage returns the transcription locale for a UI language.
func ASRLanguage(lang string) (string, error) {
	code, ok := asrLanguages[lang]
	if !ok {
		e := errs.New(errs.KindInvalid, 400, "Invalid language code")
		e.Details = fmt.Sprintf("unsupported language %q", lang)
		return "", e
	}
	return code, nil
}

// CannotHearMessage returns the localized "cannot hear you" message,
// falling back to English.
func CannotHearMessage(lang string) string {
	if msg, ok := cannotHearMessages[lang]; ok {
		return msg
	}
	return cannotHearMessages[LangEnglish]
}
