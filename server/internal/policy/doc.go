// Package policy provides the relay's default authorization policy: an
// ordered list of topic rules loaded from the server configuration.
//
// Each rule carries a doublestar topic pattern, an optional list of identity
// patterns and an effect. The first rule whose patterns match decides; if none
// match, the configured default applies. The placeholder {identity} in a topic
// pattern is replaced by the (escaped) identity of the subscriber, which
// expresses per-user streams:
//
//	rules:
//	  - topic: "user_{identity}"   # alice may only read user_alice
//	  - topic: "chat_*"
//	    identities: ["*"]
//	  - topic: "admin/**"
//	    identities: ["ops-*"]
//
// Rules can be replaced at runtime with Update; in-flight Authorize calls see
// either the old or the new rule set, never a mix.
package policy
