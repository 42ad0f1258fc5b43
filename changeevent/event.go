// Package changeevent models the change event tagged union delivered by a
// change stream: the common envelope fields every event carries plus the
// kind-specific payloads a consumer must narrow into before reading.
package changeevent

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OperationType discriminates the kind of mutation or administrative
// action a change event describes.
type OperationType string

// Recognized operation types. insert/update/replace/delete/drop/rename/
// dropDatabase/invalidate are the core set; the remaining administrative
// kinds are the "show expanded events" family real servers emit (server
// >= 4.0/6.0) and are carried the same way: ns only, no payload
// interpretation.
const (
	Insert                   OperationType = "insert"
	Update                   OperationType = "update"
	Replace                  OperationType = "replace"
	Delete                   OperationType = "delete"
	Drop                     OperationType = "drop"
	Rename                   OperationType = "rename"
	DropDatabase             OperationType = "dropDatabase"
	Invalidate               OperationType = "invalidate"
	Create                   OperationType = "create"
	CreateIndexes            OperationType = "createIndexes"
	DropIndexes              OperationType = "dropIndexes"
	Modify                   OperationType = "modify"
	ShardCollection          OperationType = "shardCollection"
	ReshardCollection        OperationType = "reshardCollection"
	RefineCollectionShardKey OperationType = "refineCollectionShardKey"
)

// Namespace names the database and, where applicable, the collection an
// event concerns. dropDatabase events carry only DB.
type Namespace struct {
	DB   string `bson:"db"`
	Coll string `bson:"coll,omitempty"`
}

// RenameTo is the destination namespace of a rename event.
type RenameTo struct {
	DB   string `bson:"db"`
	Coll string `bson:"coll"`
}

// UpdateDescription describes the delta of an update event. Fields are
// carried opaquely; the stream never interprets them beyond presence.
type UpdateDescription struct {
	UpdatedFields      bson.Raw `bson:"updatedFields,omitempty"`
	RemovedFields      []string `bson:"removedFields,omitempty"`
	TruncatedArrays    bson.Raw `bson:"truncatedArrays,omitempty"`
	DisambiguatedPaths bson.Raw `bson:"disambiguatedPaths,omitempty"`
}

// Event is the closed tagged union over OperationType. Fields not
// applicable to a given OperationType are left at their zero value; use
// the As* accessors to narrow before reading kind-specific payloads.
type Event struct {
	ID            bson.Raw              `bson:"_id"`
	OperationType OperationType         `bson:"operationType"`
	ClusterTime   *primitive.Timestamp  `bson:"clusterTime,omitempty"`
	TxnNumber     *int64                `bson:"txnNumber,omitempty"`
	LSID          bson.Raw              `bson:"lsid,omitempty"`
	WallTime      *time.Time            `bson:"wallTime,omitempty"`
	CollectionUUID *primitive.Binary    `bson:"collectionUUID,omitempty"`

	Namespace   *Namespace `bson:"ns,omitempty"`
	To          *RenameTo  `bson:"to,omitempty"`
	DocumentKey bson.Raw   `bson:"documentKey,omitempty"`

	FullDocument      bson.Raw           `bson:"fullDocument,omitempty"`
	UpdateDescription *UpdateDescription `bson:"updateDescription,omitempty"`

	// Raw is the complete event document as delivered by the server,
	// kept for Decode-style access to fields this type does not model.
	Raw bson.Raw `bson:"-"`
}

// Parse unmarshals a raw change event document. It does not validate _id
// presence; callers that require a resume token must check len(ID) == 0
// themselves (the controller does, surfacing MissingResumeTokenError).
func Parse(raw bson.Raw) (*Event, error) {
	var ev Event
	if err := bson.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	ev.Raw = raw
	return &ev, nil
}

// InsertEvent is the narrowed view of an insert event.
type InsertEvent struct {
	Namespace    Namespace
	DocumentKey  bson.Raw
	FullDocument bson.Raw
}

// AsInsert narrows e into an InsertEvent, or returns ok=false if e is not
// an insert event.
func (e *Event) AsInsert() (InsertEvent, bool) {
	if e.OperationType != Insert || e.Namespace == nil {
		return InsertEvent{}, false
	}
	return InsertEvent{*e.Namespace, e.DocumentKey, e.FullDocument}, true
}

// ReplaceEvent is the narrowed view of a replace event.
type ReplaceEvent struct {
	Namespace    Namespace
	DocumentKey  bson.Raw
	FullDocument bson.Raw
}

// AsReplace narrows e into a ReplaceEvent, or returns ok=false if e is not
// a replace event.
func (e *Event) AsReplace() (ReplaceEvent, bool) {
	if e.OperationType != Replace || e.Namespace == nil {
		return ReplaceEvent{}, false
	}
	return ReplaceEvent{*e.Namespace, e.DocumentKey, e.FullDocument}, true
}

// UpdateEvent is the narrowed view of an update event. FullDocument is
// only populated when the stream was opened with full-document lookup
// enabled.
type UpdateEvent struct {
	Namespace         Namespace
	DocumentKey       bson.Raw
	FullDocument      bson.Raw
	UpdateDescription UpdateDescription
}

// AsUpdate narrows e into an UpdateEvent, or returns ok=false if e is not
// an update event.
func (e *Event) AsUpdate() (UpdateEvent, bool) {
	if e.OperationType != Update || e.Namespace == nil || e.UpdateDescription == nil {
		return UpdateEvent{}, false
	}
	return UpdateEvent{*e.Namespace, e.DocumentKey, e.FullDocument, *e.UpdateDescription}, true
}

// DeleteEvent is the narrowed view of a delete event.
type DeleteEvent struct {
	Namespace   Namespace
	DocumentKey bson.Raw
}

// AsDelete narrows e into a DeleteEvent, or returns ok=false if e is not a
// delete event.
func (e *Event) AsDelete() (DeleteEvent, bool) {
	if e.OperationType != Delete || e.Namespace == nil {
		return DeleteEvent{}, false
	}
	return DeleteEvent{*e.Namespace, e.DocumentKey}, true
}

// DropEvent is the narrowed view of a drop event.
type DropEvent struct {
	Namespace Namespace
}

// AsDrop narrows e into a DropEvent, or returns ok=false if e is not a
// drop event.
func (e *Event) AsDrop() (DropEvent, bool) {
	if e.OperationType != Drop || e.Namespace == nil {
		return DropEvent{}, false
	}
	return DropEvent{*e.Namespace}, true
}

// RenameEvent is the narrowed view of a rename event.
type RenameEvent struct {
	Namespace Namespace
	To        RenameTo
}

// AsRename narrows e into a RenameEvent, or returns ok=false if e is not a
// rename event.
func (e *Event) AsRename() (RenameEvent, bool) {
	if e.OperationType != Rename || e.Namespace == nil || e.To == nil {
		return RenameEvent{}, false
	}
	return RenameEvent{*e.Namespace, *e.To}, true
}

// DropDatabaseEvent is the narrowed view of a dropDatabase event.
type DropDatabaseEvent struct {
	DB string
}

// AsDropDatabase narrows e into a DropDatabaseEvent, or returns ok=false
// if e is not a dropDatabase event.
func (e *Event) AsDropDatabase() (DropDatabaseEvent, bool) {
	if e.OperationType != DropDatabase || e.Namespace == nil {
		return DropDatabaseEvent{}, false
	}
	return DropDatabaseEvent{e.Namespace.DB}, true
}

// IsInvalidate reports whether e is the terminal invalidate event.
func (e *Event) IsInvalidate() bool {
	return e.OperationType == Invalidate
}
