package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/itsneelabh/col/mesh"
)

// Manifest is the declarative deployment description colctl applies on
// startup: group membership and pub/sub topic subscriptions an operator
// wants pre-wired without calling the coordinator API by hand.
type Manifest struct {
	Groups        map[string][]string `yaml:"groups"`
	Subscriptions []struct {
		SubscriberID string `yaml:"subscriber_id"`
		Topic        string `yaml:"topic"`
	} `yaml:"subscriptions"`
}

// LoadManifest reads and parses a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("colctl: reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("colctl: parsing manifest %s: %w", path, err)
	}
	return &m, nil
}

// subscriptions converts the manifest's topic entries into mesh
// Subscriptions.
func (m *Manifest) subscriptions() []mesh.Subscription {
	subs := make([]mesh.Subscription, 0, len(m.Subscriptions))
	for _, s := range m.Subscriptions {
		subs = append(subs, mesh.Subscription{SubscriberID: s.SubscriberID, Topic: s.Topic})
	}
	return subs
}
