package server

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	keyWelcome      = "sync.join.welcome"
	keyWelcomeAlone = "sync.join.welcome_alone"
)

var noticeTags = []language.Tag{language.AmericanEnglish, language.BrazilianPortuguese}

var noticeMatcher = language.NewMatcher(noticeTags)

func init() {
	registerNotices(language.AmericanEnglish, map[string]string{
		keyWelcome:      "Welcome %s. You joined session %s with %d others at the table.",
		keyWelcomeAlone: "Welcome %s. You joined session %s and are the first at the table.",
	})
	registerNotices(language.BrazilianPortuguese, map[string]string{
		keyWelcome:      "Bem-vindo %s. Você entrou na sessão %s com mais %d à mesa.",
		keyWelcomeAlone: "Bem-vindo %s. Você entrou na sessão %s e é o primeiro à mesa.",
	})
}

func registerNotices(tag language.Tag, messages map[string]string) {
	tags := []language.Tag{tag}
	if base, _ := tag.Base(); base.String() != "und" {
		if baseTag, err := language.Parse(base.String()); err == nil && baseTag != tag {
			tags = append(tags, baseTag)
		}
	}
	for key, value := range messages {
		for _, t := range tags {
			_ = message.SetString(t, key, value)
		}
	}
}

// noticeTag resolves a client locale such as "pt-BR" or "pt" to a supported
// tag, defaulting to American English.
func noticeTag(locale string) language.Tag {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return language.AmericanEnglish
	}
	parsed, err := language.Parse(locale)
	if err != nil {
		return language.AmericanEnglish
	}
	_, index, confidence := noticeMatcher.Match(parsed)
	if confidence == language.No {
		return language.AmericanEnglish
	}
	return noticeTags[index]
}

func welcomeNotice(locale, userID, sessionID string, present int) string {
	printer := message.NewPrinter(noticeTag(locale))
	if present <= 1 {
		return printer.Sprintf(keyWelcomeAlone, userID, sessionID)
	}
	return printer.Sprintf(keyWelcome, userID, sessionID, present-1)
}
