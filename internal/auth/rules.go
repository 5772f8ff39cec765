package auth

import "sync"

// Rules decides topic- and peer-level authorization. It is consulted on
// every publish and direct message, never cached from the upgrade step.
// userID is empty for anonymous connections.
type Rules interface {
	CanSubscribeToTopic(userID, topic string) bool
	CanPublishToTopic(userID, topic string) bool
	CanMessagePeer(userID, targetPeerID string) bool
	// RateLimit returns the message budget in messages/second. It doubles as
	// the bucket capacity.
	RateLimit(userID string) float64
}

// DefaultRateLimit applies when rules return no explicit budget.
const DefaultRateLimit = 50

// allowAll permits everything at the default rate.
type allowAll struct{}

func (allowAll) CanSubscribeToTopic(string, string) bool { return true }
func (allowAll) CanPublishToTopic(string, string) bool   { return true }
func (allowAll) CanMessagePeer(string, string) bool      { return true }
func (allowAll) RateLimit(string) float64                { return DefaultRateLimit }

// AllowAll is the permissive default rule set.
var AllowAll Rules = allowAll{}

// TopicACL lists who may use a topic. Empty slices mean "anyone".
type TopicACL struct {
	Subscribe []string
	Publish   []string
}

// StaticRules is a config-driven Rules implementation. The ACL and rate
// tables can be swapped at runtime (config hot reload); reads and writes are
// lock-serialized.
type StaticRules struct {
	mu          sync.RWMutex
	topics      map[string]TopicACL
	rates       map[string]float64
	defaultRate float64
}

// NewStaticRules builds rules from per-topic ACLs and per-user rate
// overrides. defaultRate <= 0 falls back to DefaultRateLimit.
func NewStaticRules(topics map[string]TopicACL, rates map[string]float64, defaultRate float64) *StaticRules {
	if defaultRate <= 0 {
		defaultRate = DefaultRateLimit
	}
	return &StaticRules{topics: topics, rates: rates, defaultRate: defaultRate}
}

// Update replaces the ACL and rate tables in place.
func (s *StaticRules) Update(topics map[string]TopicACL, rates map[string]float64, defaultRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = topics
	s.rates = rates
	if defaultRate > 0 {
		s.defaultRate = defaultRate
	}
}

func (s *StaticRules) CanSubscribeToTopic(userID, topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acl, ok := s.topics[topic]
	if !ok || len(acl.Subscribe) == 0 {
		return true
	}
	return contains(acl.Subscribe, userID)
}

func (s *StaticRules) CanPublishToTopic(userID, topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acl, ok := s.topics[topic]
	if !ok || len(acl.Publish) == 0 {
		return true
	}
	return contains(acl.Publish, userID)
}

func (s *StaticRules) CanMessagePeer(userID, targetPeerID string) bool {
	return true
}

func (s *StaticRules) RateLimit(userID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rates[userID]; ok && r > 0 {
		return r
	}
	return s.defaultRate
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
