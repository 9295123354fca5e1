package tasks

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/desertthunder/regx/internal/services"
	"github.com/desertthunder/regx/internal/shared"
)

// LinkStrategy finds a verification link in a message body.
type LinkStrategy struct {
	Name    string
	Extract func(body string) (string, bool)
}

// regexStrategy returns the first match of pattern, or of its first group when it has one.
func regexStrategy(name, pattern string) LinkStrategy {
	re := regexp.MustCompile(pattern)
	return LinkStrategy{
		Name: name,
		Extract: func(body string) (string, bool) {
			m := re.FindStringSubmatch(body)
			if m == nil {
				return "", false
			}
			if len(m) > 1 {
				return m[1], true
			}
			return m[0], true
		},
	}
}

// DefaultLinkStrategies is the ordered list tried by [ExtractLink]. They are coupled to the identity
// service's email template.
var DefaultLinkStrategies = []LinkStrategy{
	regexStrategy("plain", `https://chat\.z\.ai/auth/verify_email\?[^\s<>"']+`),
	regexStrategy("legacy", `https://chat\.z\.ai/verify_email\?[^\s<>"']+`),
	regexStrategy("entity", `https?://chat\.z\.ai/(?:auth/)?verify_email[^"'\s]*`),
	{
		Name: "json",
		Extract: func(body string) (string, bool) {
			m := jsonLinkPattern.FindStringSubmatch(body)
			if m == nil {
				return "", false
			}
			return strings.ReplaceAll(m[1], `\u0026`, "&"), true
		},
	},
}

var (
	jsonLinkPattern = regexp.MustCompile(`"(https?://[^"]*verify_email[^"]*)"`)
	entities        = strings.NewReplacer("&amp;", "&", "&#39;", "'", "&#x27;", "'")
)

// ExtractLink runs strategies in order and returns the first link found, with HTML entities decoded.
func ExtractLink(body string, strategies []LinkStrategy) (string, string, bool) {
	for _, s := range strategies {
		if link, ok := s.Extract(body); ok {
			return entities.Replace(link), s.Name, true
		}
	}
	return "", "", false
}

// ParseVerification reads the token, email and username parameters of a verification link.
// A link missing any of them wraps [shared.ErrLinkNotFound].
func ParseVerification(link string) (services.Verification, error) {
	u, err := url.Parse(link)
	if err != nil {
		return services.Verification{}, fmt.Errorf("%w: %v", shared.ErrLinkNotFound, err)
	}

	q := u.Query()
	v := services.Verification{
		Token:    q.Get("token"),
		Email:    q.Get("email"),
		Username: q.Get("username"),
	}
	if v.Token == "" || v.Email == "" || v.Username == "" {
		return services.Verification{}, fmt.Errorf("%w: link is missing parameters", shared.ErrLinkNotFound)
	}
	return v, nil
}
