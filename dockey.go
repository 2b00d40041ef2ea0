package docsync

import (
	"fmt"
	"strconv"
	"strings"
)

// comparable
// DocKey addresses one logical document room: a document type nested under
// an entity, e.g. ("room", 42, "notes"). The colon-joined form is the room key
// used to bucket listeners and to address frames on the wire.
type DocKey struct {
	EntityType string
	EntityId   int
	DocType    string
}

func NewDocKey(entityType string, entityId int, docType string) (DocKey, error) {
	if entityType == "" || docType == "" {
		return DocKey{}, fmt.Errorf("doc key components must not be empty")
	}
	if strings.ContainsRune(entityType, ':') || strings.ContainsRune(docType, ':') {
		return DocKey{}, fmt.Errorf("doc key components must not contain ':'")
	}
	return DocKey{
		EntityType: entityType,
		EntityId:   entityId,
		DocType:    docType,
	}, nil
}

func RequireDocKey(entityType string, entityId int, docType string) DocKey {
	key, err := NewDocKey(entityType, entityId, docType)
	if err != nil {
		panic(err)
	}
	return key
}

func ParseDocKey(roomKey string) (DocKey, error) {
	parts := strings.Split(roomKey, ":")
	if len(parts) != 3 {
		return DocKey{}, fmt.Errorf("cannot parse room key %q", roomKey)
	}
	entityId, err := strconv.Atoi(parts[1])
	if err != nil {
		return DocKey{}, fmt.Errorf("cannot parse room key %q: %w", roomKey, err)
	}
	return NewDocKey(parts[0], entityId, parts[2])
}

func (self DocKey) String() string {
	return fmt.Sprintf("%s:%d:%s", self.EntityType, self.EntityId, self.DocType)
}
