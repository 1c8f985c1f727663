// Package notify turns push payloads into user-visible notifications and
// resolves where a notification click should take the user.
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultTitle = "New story"
	DefaultBody  = "A new story has been shared!"
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultURL   = "/#/"
)

// ErrMalformedPayload is returned alongside a usable notification when the
// push payload is not a JSON object. The raw payload becomes the body.
var ErrMalformedPayload = errors.New("notify: malformed push payload")

// Notification is what the page shows to the user.
type Notification struct {
	Title   string  `json:"title"`
	Options Options `json:"options"`
}

// Options mirrors the notification options of the push payload.
type Options struct {
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	Badge string `json:"badge"`
	Data  Data   `json:"data"`
}

// Data is the application data carried by a notification.
type Data struct {
	URL string `json:"url"`
}

// Default returns the notification shown when a push carries nothing usable.
func Default() Notification {
	return Notification{
		Title: DefaultTitle,
		Options: Options{
			Body:  DefaultBody,
			Icon:  DefaultIcon,
			Badge: DefaultIcon,
			Data:  Data{URL: DefaultURL},
		},
	}
}

// ParsePush builds a notification from a raw push payload. Missing fields
// take their defaults. A payload that is not a JSON object still yields a
// notification, with the payload text as body, together with an error
// wrapping ErrMalformedPayload.
func ParsePush(payload []byte) (Notification, error) {
	n := Default()
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return n, nil
	}

	var in struct {
		Title   string `json:"title"`
		Options *struct {
			Body  string `json:"body"`
			Icon  string `json:"icon"`
			Badge string `json:"badge"`
			Data  *struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"options"`
	}
	if err := json.Unmarshal(payload, &in); err != nil {
		n.Options.Body = string(payload)
		return n, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if in.Title != "" {
		n.Title = in.Title
	}
	if o := in.Options; o != nil {
		if o.Body != "" {
			n.Options.Body = o.Body
		}
		if o.Icon != "" {
			n.Options.Icon = o.Icon
		}
		if o.Badge != "" {
			n.Options.Badge = o.Badge
		}
		if o.Data != nil && o.Data.URL != "" {
			n.Options.Data.URL = o.Data.URL
		}
	}
	return n, nil
}

// ClickTarget returns the URL to open when n is clicked, the application
// root when the notification carries none. Targets outside origin are
// replaced by the root so a payload cannot redirect users elsewhere.
func ClickTarget(n Notification, origin *url.URL) string {
	target := strings.TrimSpace(n.Options.Data.URL)
	if target == "" {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil {
		return "/"
	}
	if u.IsAbs() || u.Host != "" {
		if origin == nil || !strings.EqualFold(u.Scheme, origin.Scheme) || !strings.EqualFold(u.Host, origin.Host) {
			return "/"
		}
		return u.String()
	}
	// Relative and fragment-only targets, e.g. "#/stories/1", open from the root.
	if !strings.HasPrefix(target, "/") {
		return "/" + target
	}
	return target
}
