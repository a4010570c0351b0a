package notify

import (
	"regexp"

	"github.com/dukerupert/keygate/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render substitutes {{name}} placeholders from vars. Unknown placeholders
// are left as written.
func Render(tpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Template is a subject and plain-text body pair.
type Template struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// DefaultTemplates are used for any kind without an override.
var DefaultTemplates = map[string]Template{
	model.NotifyLicenseCreated: {
		Subject: "Your {{product_name}} license key",
		Body: "Thanks for your purchase of {{product_name}}.\n\n" +
			"License key: {{license_key}}\n" +
			"Expires: {{expires_at}}\n",
	},
	model.NotifyLicenseExpiring: {
		Subject: "Your {{product_name}} license expires in {{days_remaining}} days",
		Body: "Your {{product_name}} license {{license_key}} expires on {{expires_at}}.\n\n" +
			"Renew before then to keep receiving updates.\n",
	},
	model.NotifyLicenseExpired: {
		Subject: "Your {{product_name}} license has expired",
		Body: "Your {{product_name}} license {{license_key}} expired on {{expires_at}}.\n\n" +
			"Updates are no longer available until the license is renewed.\n",
	},
}

func (e Event) vars() map[string]string {
	expires := "never"
	if e.ExpiresAt != nil {
		expires = e.ExpiresAt.UTC().Format("2006-01-02")
	}
	name := e.ProductName
	if name == "" {
		name = e.ProductSlug
	}
	return map[string]string{
		"product_name":   name,
		"product_slug":   e.ProductSlug,
		"license_key":    e.LicenseKey,
		"customer_email": e.CustomerEmail,
		"status":         e.Status,
		"expires_at":     expires,
		"days_remaining": itoa(e.DaysRemaining),
		"order_ref":      e.OrderRef,
	}
}
