package mongojobs

import "github.com/xraph/mongojobs/id"

// ID is the primary identifier type for all stored entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
