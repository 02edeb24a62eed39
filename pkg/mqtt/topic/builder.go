package topic

import (
	"fmt"
	"strings"
)

// singleLevel is the MQTT single-level wildcard.
const singleLevel = "+"

// Builder constructs MQTT topic strings of the form {root}/{segment}/{id}.
type Builder struct {
	// root is the base namespace for all topics (e.g., "trustagent/v1").
	root string
}

// NewBuilder creates a Builder for the given root namespace. Surrounding
// slashes are trimmed.
func NewBuilder(root string) *Builder {
	return &Builder{root: strings.Trim(root, "/")}
}

// Root returns the namespace the builder was created with.
func (b *Builder) Root() string {
	return b.root
}

// Build returns {root}/{segment}/{id}.
func (b *Builder) Build(segment, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, segment, id)
}

// Wildcard returns the filter matching segment for every id.
// Result: {root}/{segment}/+
func (b *Builder) Wildcard(segment string) string {
	return b.Build(segment, singleLevel)
}

// ID extracts the trailing id from a topic built for segment.
func (b *Builder) ID(segment, topic string) (string, bool) {
	prefix := b.root + "/" + segment + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	id := topic[len(prefix):]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
