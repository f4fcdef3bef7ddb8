package authz

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk shape of POLICY_FILE.
type policyFile struct {
	Applications []struct {
		ID        string   `yaml:"id"`
		Secret    string   `yaml:"secret"`
		SecretEnv string   `yaml:"secret_env"`
		Surfaces  []string `yaml:"surfaces"`
	} `yaml:"applications"`
	Roles []struct {
		Name           string     `yaml:"name"`
		TenantAgnostic bool       `yaml:"tenant_agnostic"`
		Grants         []ruleYAML `yaml:"grants"`
		Denies         []ruleYAML `yaml:"denies"`
	} `yaml:"roles"`
}

type ruleYAML struct {
	Resource string   `yaml:"resource"`
	Actions  []string `yaml:"actions"`
}

// Policy is the validated content of a policy file.
type Policy struct {
	Apps           []AppIdentity
	Grants         []Grant
	TenantAgnostic map[string]bool
}

func LoadPolicy(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, err := ParsePolicy(b)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy rejects anything outside the closed enumerations so a typo
// cannot silently leave a grant unreachable.
func ParsePolicy(b []byte) (*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	p := &Policy{TenantAgnostic: map[string]bool{}}

	seenApps := map[string]bool{}
	for _, a := range f.Applications {
		if a.ID == "" {
			return nil, fmt.Errorf("application without id")
		}
		if seenApps[a.ID] {
			return nil, fmt.Errorf("application %q declared twice", a.ID)
		}
		seenApps[a.ID] = true
		secret := a.Secret
		if a.SecretEnv != "" {
			secret = os.Getenv(a.SecretEnv)
		}
		app := AppIdentity{ID: a.ID, Secret: secret}
		for _, s := range a.Surfaces {
			sf, err := ParseSurface(s)
			if err != nil {
				return nil, fmt.Errorf("application %q: %w", a.ID, err)
			}
			app.Surfaces = append(app.Surfaces, sf)
		}
		p.Apps = append(p.Apps, app)
	}

	seenRoles := map[string]bool{}
	for _, r := range f.Roles {
		if r.Name == "" {
			return nil, fmt.Errorf("role without name")
		}
		if seenRoles[r.Name] {
			return nil, fmt.Errorf("role %q declared twice", r.Name)
		}
		seenRoles[r.Name] = true
		if r.TenantAgnostic {
			p.TenantAgnostic[r.Name] = true
		}
		for _, set := range []struct {
			rules  []ruleYAML
			effect Effect
		}{{r.Grants, EffectAllow}, {r.Denies, EffectDeny}} {
			for _, rule := range set.rules {
				res, err := ParseResource(rule.Resource)
				if err != nil {
					return nil, fmt.Errorf("role %q: %w", r.Name, err)
				}
				for _, a := range rule.Actions {
					act, err := ParseAction(a)
					if err != nil {
						return nil, fmt.Errorf("role %q: %w", r.Name, err)
					}
					p.Grants = append(p.Grants, Grant{Role: r.Name, Resource: res, Action: act, Effect: set.effect})
				}
			}
		}
	}
	return p, nil
}
