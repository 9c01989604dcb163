package policy

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/relaycast/relaycast/pkg/types"
	"github.com/relaycast/relaycast/server/internal/config"
)

// IdentityPlaceholder is substituted with the subscriber identity in topic patterns.
const IdentityPlaceholder = "{identity}"

type rule struct {
	topic      string
	identities []string
	allow      bool
}

type ruleset struct {
	rules        []rule
	defaultAllow bool
}

// Rules is a hot-swappable, pattern-based Authorizer.
type Rules struct {
	current atomic.Pointer[ruleset]
}

// New compiles cfg into a Rules policy.
func New(cfg config.PolicyConfig) (*Rules, error) {
	r := &Rules{}
	if err := r.Update(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Update atomically replaces the rule set. On error the previous rules stay active.
func (r *Rules) Update(cfg config.PolicyConfig) error {
	rs, err := compile(cfg)
	if err != nil {
		return err
	}
	r.current.Store(rs)
	return nil
}

// Len returns the number of active rules.
func (r *Rules) Len() int {
	return len(r.current.Load().rules)
}

// Authorize reports whether identity may subscribe to topic.
func (r *Rules) Authorize(_ context.Context, identity types.Identity, topic types.Topic) (bool, error) {
	rs := r.current.Load()
	for _, ru := range rs.rules {
		pattern := strings.ReplaceAll(ru.topic, IdentityPlaceholder, escape(string(identity)))
		ok, err := doublestar.Match(pattern, string(topic))
		if err != nil {
			return false, fmt.Errorf("policy: topic pattern %q: %w", ru.topic, err)
		}
		if !ok || !matchesIdentity(ru.identities, identity) {
			continue
		}
		return ru.allow, nil
	}
	return rs.defaultAllow, nil
}

func matchesIdentity(patterns []string, identity types.Identity) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, string(identity)); ok {
			return true
		}
	}
	return false
}

func compile(cfg config.PolicyConfig) (*ruleset, error) {
	rs := &ruleset{defaultAllow: cfg.Default == config.EffectAllow}
	for i, rc := range cfg.Rules {
		if rc.Topic == "" {
			return nil, fmt.Errorf("policy: rules[%d]: topic is required", i)
		}
		if !doublestar.ValidatePattern(strings.ReplaceAll(rc.Topic, IdentityPlaceholder, "x")) {
			return nil, fmt.Errorf("policy: rules[%d]: invalid topic pattern %q", i, rc.Topic)
		}
		for _, p := range rc.Identities {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("policy: rules[%d]: invalid identity pattern %q", i, p)
			}
		}
		rs.rules = append(rs.rules, rule{
			topic:      rc.Topic,
			identities: rc.Identities,
			allow:      rc.Effect != config.EffectDeny,
		})
	}
	return rs, nil
}

// escape neutralizes pattern metacharacters in an identity before it is
// spliced into a topic pattern.
func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\', ',':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
