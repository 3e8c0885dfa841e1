package activitypub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
	ContentType            = "application/activity+json"
	LDContentType          = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// Kind is the activity discriminator carried in the "type" field.
type Kind string

const (
	KindFollow Kind = "Follow"
	KindAccept Kind = "Accept"
	KindReject Kind = "Reject"
	KindUndo   Kind = "Undo"
	KindCreate Kind = "Create"
	KindUpdate Kind = "Update"
	KindDelete Kind = "Delete"
	KindLock   Kind = "Lock"
)

// Object types the engine understands.
const (
	TypePerson      = "Person"
	TypeGroup       = "Group"
	TypeApplication = "Application"
	TypeService     = "Service"
	TypeFeed        = "Feed"
	TypePage        = "Page"
	TypeNote        = "Note"
	TypeChatMessage = "ChatMessage"
	TypeTombstone   = "Tombstone"
)

func defaultContext() []string {
	return []string{ActivityStreamsContext, SecurityContext}
}

// URLList is a to/cc style field that may be a single string or an array.
type URLList []string

func (l *URLList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = URLList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

func (l URLList) First() string {
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

func (l URLList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// ObjectRef is an object field that may be a bare id or an embedded object with an id.
type ObjectRef struct {
	ID   string
	Type string
	raw  json.RawMessage
}

func (r *ObjectRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID, r.Type = obj.ID, obj.Type
	r.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (r ObjectRef) MarshalJSON() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	if r.Type != "" {
		return json.Marshal(struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}{r.ID, r.Type})
	}
	return json.Marshal(r.ID)
}

// Envelope holds the fields every activity kind carries.
type Envelope struct {
	Context any     `json:"@context,omitempty"`
	ID      string  `json:"id"`
	Type    Kind    `json:"type"`
	Actor   string  `json:"actor"`
	To      URLList `json:"to,omitempty"`
	Cc      URLList `json:"cc,omitempty"`
}

func (e *Envelope) ActivityID() string { return e.ID }
func (e *Envelope) ActorID() string    { return e.Actor }
func (e *Envelope) Kind() Kind         { return e.Type }
func (e *Envelope) envelope() *Envelope {
	return e
}

// Follow asks to subscribe Actor to Object.
type Follow struct {
	Envelope
	Object string `json:"object"`

	target *domain.Actor
}

// Accept answers a Follow. The follow is embedded as a value copy.
type Accept struct {
	Envelope
	Object Follow `json:"object"`

	follower *domain.Actor
}

// Reject turns down a Follow.
type Reject struct {
	Envelope
	Object Follow `json:"object"`

	follower *domain.Actor
}

// UndoObject is the activity an Undo reverts. Exactly one field is set.
type UndoObject struct {
	Follow *Follow
	Lock   *Lock
}

func (o *UndoObject) UnmarshalJSON(b []byte) error {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	switch head.Type {
	case KindFollow:
		o.Follow = &Follow{}
		return json.Unmarshal(b, o.Follow)
	case KindLock:
		o.Lock = &Lock{}
		return json.Unmarshal(b, o.Lock)
	}
	return fmt.Errorf("%w: cannot undo %q", ErrUnknownKind, head.Type)
}

func (o UndoObject) MarshalJSON() ([]byte, error) {
	switch {
	case o.Follow != nil:
		return json.Marshal(o.Follow)
	case o.Lock != nil:
		return json.Marshal(o.Lock)
	}
	return []byte("null"), nil
}

func (o UndoObject) activity() Activity {
	switch {
	case o.Follow != nil:
		return o.Follow
	case o.Lock != nil:
		return o.Lock
	}
	return nil
}

// Undo reverts a Follow or a Lock.
type Undo struct {
	Envelope
	Object UndoObject `json:"object"`
}

// Note is the content object carried by Create and Update. Page and Note become posts,
// ChatMessage becomes a private message.
type Note struct {
	Context      any        `json:"@context,omitempty"`
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	AttributedTo string     `json:"attributedTo"`
	To           URLList    `json:"to,omitempty"`
	Cc           URLList    `json:"cc,omitempty"`
	Audience     string     `json:"audience,omitempty"`
	Name         string     `json:"name,omitempty"`
	Content      string     `json:"content,omitempty"`
	MediaType    string     `json:"mediaType,omitempty"`
	Published    *time.Time `json:"published,omitempty"`
	Updated      *time.Time `json:"updated,omitempty"`
}

// Create publishes a new post or private message.
type Create struct {
	Envelope
	Object Note `json:"object"`

	recipient *domain.Actor
	community *domain.Actor
}

// Update carries a changed actor or content object.
type Update struct {
	Envelope
	Object json.RawMessage `json:"object"`

	head      objectHead
	note      *Note
	community *domain.Actor
	message   *domain.PrivateMessage
}

// Delete removes an actor, a post or a private message.
type Delete struct {
	Envelope
	Object  ObjectRef `json:"object"`
	Summary string    `json:"summary,omitempty"`

	post    *domain.Post
	message *domain.PrivateMessage
}

// Lock closes a post for new comments. Summary holds the reason.
type Lock struct {
	Envelope
	Object  string `json:"object"`
	Summary string `json:"summary,omitempty"`

	post *domain.Post
}

// Endpoints is the endpoints block of an actor document.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// ActorObject is the wire form of any actor: person, group, instance or feed.
type ActorObject struct {
	Context           any        `json:"@context,omitempty"`
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	PreferredUsername string     `json:"preferredUsername"`
	Name              string     `json:"name,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         PublicKey  `json:"publicKey"`
	Published         *time.Time `json:"published,omitempty"`
	Updated           *time.Time `json:"updated,omitempty"`
}

func (a *ActorObject) SharedInbox() string {
	if a.Endpoints == nil {
		return ""
	}
	return a.Endpoints.SharedInbox
}

// ParseActivity decodes a raw inbound payload into one of the known activity kinds.
// Unknown fields are ignored.
func ParseActivity(body []byte) (Activity, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var act Activity
	switch head.Type {
	case KindFollow:
		act = &Follow{}
	case KindAccept:
		act = &Accept{}
	case KindReject:
		act = &Reject{}
	case KindUndo:
		act = &Undo{}
	case KindCreate:
		act = &Create{}
	case KindUpdate:
		act = &Update{}
	case KindDelete:
		act = &Delete{}
	case KindLock:
		act = &Lock{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Type)
	}

	if err := json.Unmarshal(body, act); err != nil {
		if errors.Is(err, ErrUnknownKind) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := checkEnvelope(act.envelope()); err != nil {
		return nil, err
	}
	return act, nil
}

func checkEnvelope(e *Envelope) error {
	if !isAbsoluteHTTPURL(e.ID) {
		return fmt.Errorf("%w: id %q is not an absolute url", ErrMalformed, e.ID)
	}
	if !isAbsoluteHTTPURL(e.Actor) {
		return fmt.Errorf("%w: actor %q is not an absolute url", ErrMalformed, e.Actor)
	}
	return nil
}

func isAbsoluteHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
