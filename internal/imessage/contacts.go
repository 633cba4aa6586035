package imessage

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// AddressBook resolves contact names by querying Contacts.app through
// osascript's JavaScript for Automation runtime, which can return JSON.
type AddressBook struct {
	logger *zap.Logger
}

// NewAddressBook creates the osascript-backed contacts collaborator.
func NewAddressBook(logger *zap.Logger) *AddressBook {
	return &AddressBook{logger: logger}
}

const contactsDump = `
var app = Application("Contacts");
var out = [];
app.people().forEach(function (p) {
	var handles = [];
	p.phones().forEach(function (ph) { handles.push(ph.value()); });
	p.emails().forEach(function (em) { handles.push(em.value()); });
	out.push({ name: p.name(), handles: handles });
});
JSON.stringify(out);
`

// Search returns up to limit contacts whose name or handles contain query,
// case-insensitively.
func (a *AddressBook) Search(ctx context.Context, query string, limit int) ([]Contact, error) {
	all, err := a.dump(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var matches []Contact
	for _, c := range all {
		if contactMatches(c, needle) {
			matches = append(matches, c)
			if len(matches) == limit {
				break
			}
		}
	}
	return matches, nil
}

// Resolve maps each handle to a display name. Handles with no match are
// omitted from the result.
func (a *AddressBook) Resolve(ctx context.Context, handles []string) (map[string]string, error) {
	all, err := a.dump(ctx)
	if err != nil {
		return nil, err
	}
	byHandle := make(map[string]string)
	for _, c := range all {
		for _, h := range c.Handles {
			byHandle[canonicalHandle(h)] = c.Name
		}
	}
	out := make(map[string]string)
	for _, h := range handles {
		if name, ok := byHandle[canonicalHandle(h)]; ok {
			out[h] = name
		}
	}
	return out, nil
}

func (a *AddressBook) dump(ctx context.Context) ([]Contact, error) {
	cmd := exec.CommandContext(ctx, "osascript", "-l", "JavaScript", "-e", contactsDump)
	out, err := cmd.Output()
	if err != nil {
		detail := ""
		if ee, ok := err.(*exec.ExitError); ok {
			detail = strings.ToLower(string(ee.Stderr))
		}
		// Error -1743 is the TCC "not authorized to send Apple events" code.
		if strings.Contains(detail, "-1743") || strings.Contains(detail, "not authorized") {
			return nil, ErrUnauthorized
		}
		a.logger.Warn("contacts query failed", zap.Error(err))
		return nil, fmt.Errorf("query contacts: %w", err)
	}

	var contacts []Contact
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(out))), &contacts); err != nil {
		return nil, fmt.Errorf("decode contacts output: %w", err)
	}
	return contacts, nil
}

func contactMatches(c Contact, needle string) bool {
	if strings.Contains(strings.ToLower(c.Name), needle) {
		return true
	}
	for _, h := range c.Handles {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}

// canonicalHandle strips formatting so "+1 (555) 010-2030" and "+15550102030"
// compare equal.
func canonicalHandle(h string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '(', ')', '-', '.':
			return -1
		}
		return r
	}, strings.ToLower(h))
}
