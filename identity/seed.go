package identity

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/clearauth/grantd/grant"
	"github.com/clearauth/grantd/scope"
)

// seedFile is the JSON shape consumed by LoadFromFile. Secrets in the seed
// are plaintext; they are bcrypt-hashed on load and never stored.
type seedFile struct {
	Principals []struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
		Active *bool  `json:"active,omitempty"`
	} `json:"principals"`
	Clients []struct {
		ID         string   `json:"id"`
		Secret     string   `json:"secret"`
		Scopes     []string `json:"scopes"`
		GrantTypes []string `json:"grant_types"`
	} `json:"clients"`
}

// LoadFromFile registers the principals and clients described in a JSON
// seed file.
func (d *Directory) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("identity: failed to read seed file: %w", err)
	}

	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("identity: failed to parse seed file: %w", err)
	}

	for _, p := range seed.Principals {
		if err := d.RegisterPrincipal(p.ID, p.Secret); err != nil {
			return err
		}
		if p.Active != nil && !*p.Active {
			if err := d.SetPrincipalActive(p.ID, false); err != nil {
				return err
			}
		}
	}

	for _, c := range seed.Clients {
		grantTypes := make([]grant.GrantType, 0, len(c.GrantTypes))
		for _, raw := range c.GrantTypes {
			gt, ok := grant.ParseGrantType(raw)
			if !ok {
				return fmt.Errorf("identity: client %q: unknown grant type %q", c.ID, raw)
			}
			grantTypes = append(grantTypes, gt)
		}
		if err := d.RegisterClient(c.ID, c.Secret, scope.New(c.Scopes...), grantTypes); err != nil {
			return err
		}
	}

	return nil
}
