package tools

import (
	"context"
	"encoding/json"
	"net/mail"
	"strings"
)

var personalDomains = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "yahoo.com": true, "ymail.com": true,
	"hotmail.com": true, "outlook.com": true, "live.com": true, "msn.com": true,
	"icloud.com": true, "me.com": true, "mac.com": true, "aol.com": true,
	"proton.me": true, "protonmail.com": true, "gmx.com": true, "gmx.net": true,
	"mail.com": true, "yandex.com": true, "zoho.com": true, "fastmail.com": true,
}

var disposableDomains = map[string]bool{
	"mailinator.com": true, "guerrillamail.com": true, "10minutemail.com": true,
	"tempmail.com": true, "temp-mail.org": true, "yopmail.com": true,
	"trashmail.com": true, "sharklasers.com": true, "getnada.com": true,
	"dispostable.com": true, "maildrop.cc": true,
}

var roleLocalParts = map[string]bool{
	"info": true, "sales": true, "admin": true, "support": true, "contact": true,
	"hello": true, "team": true, "office": true, "billing": true,
	"noreply": true, "no-reply": true, "marketing": true,
}

const emailClassifyInputSchema = `{
  "type": "object",
  "properties": {
    "email": {"type": "string"}
  },
  "required": ["email"]
}`

// EmailClassifyTool implements "email.classify": it splits an address into
// local part and domain and flags personal, disposable and role mailboxes.
type EmailClassifyTool struct{}

func (EmailClassifyTool) Name() string { return "email.classify" }

func (EmailClassifyTool) Schema() Schema {
	return Schema{
		Description: "Classify an email address as personal, disposable, role-based or business.",
		InputSchema: json.RawMessage(emailClassifyInputSchema),
	}
}

func (EmailClassifyTool) Execute(_ context.Context, input map[string]any) (*Result, error) {
	raw := stringParam(input, "email", "")
	if raw == "" {
		return Fail("email is required"), nil
	}
	return OK(ClassifyEmail(raw)), nil
}

// ClassifyEmail returns the classification document for one address.
func ClassifyEmail(raw string) map[string]any {
	out := map[string]any{
		"email":         strings.ToLower(strings.TrimSpace(raw)),
		"is_valid":      false,
		"is_personal":   false,
		"is_disposable": false,
		"is_role":       false,
		"is_business":   false,
		"domain":        "",
	}

	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return out
	}
	email := strings.ToLower(addr.Address)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return out
	}
	local, domain := email[:at], email[at+1:]
	if !strings.Contains(domain, ".") {
		return out
	}

	personal := personalDomains[domain]
	disposable := disposableDomains[domain]
	out["email"] = email
	out["is_valid"] = true
	out["domain"] = domain
	out["local_part"] = local
	out["is_personal"] = personal
	out["is_disposable"] = disposable
	out["is_role"] = roleLocalParts[local]
	out["is_business"] = !personal && !disposable
	return out
}
