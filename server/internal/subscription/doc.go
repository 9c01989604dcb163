// Package subscription holds the relay's subscription table: a bidirectional
// index of topic → connections and connection → topics.
//
// Both maps are guarded by one RWMutex, so every mutation (Subscribe,
// Unsubscribe, RemoveConnection) is applied to both directions atomically and
// readers never observe a half-applied change. SubscribersOf returns a copy
// taken under the read lock; callers may iterate it without holding any lock.
//
// Topics exist only while they have at least one subscriber. Subscribing to a
// topic creates it; removing its last subscriber deletes it.
package subscription
