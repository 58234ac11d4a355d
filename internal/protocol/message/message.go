// Package message defines the peer wire messages and the codec registry that
// maps wire ids and extension names to payload codecs.
package message

import (
	"fmt"
	"strconv"
)

// ID identifies a message variant. Wire ids occupy 0..255; IDKeepAlive sits
// outside that range because keep-alive frames carry no id byte.
type ID uint16

const (
	IDChoke         ID = 0
	IDUnchoke       ID = 1
	IDInterested    ID = 2
	IDNotInterested ID = 3
	IDHave          ID = 4
	IDBitfield      ID = 5
	IDRequest       ID = 6
	IDPiece         ID = 7
	IDCancel        ID = 8
	IDPort          ID = 9
	IDExtended      ID = 20

	IDKeepAlive ID = 0x100
)

var idNames = map[ID]string{
	IDChoke:         "choke",
	IDUnchoke:       "unchoke",
	IDInterested:    "interested",
	IDNotInterested: "not_interested",
	IDHave:          "have",
	IDBitfield:      "bitfield",
	IDRequest:       "request",
	IDPiece:         "piece",
	IDCancel:        "cancel",
	IDPort:          "port",
	IDExtended:      "extended",
	IDKeepAlive:     "keep_alive",
}

func (id ID) String() string {
	if name, ok := idNames[id]; ok {
		return name
	}
	return "id_" + strconv.Itoa(int(id))
}

// IsWire reports whether id fits in the one-byte wire field.
func (id ID) IsWire() bool {
	return id <= 0xff
}

// Message is any decoded or outgoing wire message.
type Message interface {
	MessageID() ID
}

// ExtensionMessage is carried inside an extended frame. Its wire id is
// negotiated per connection, so it is addressed by name.
type ExtensionMessage interface {
	Message
	ExtensionName() string
}

// Key is the dispatch identity of a message variant.
type Key struct {
	ID        ID
	Extension string
}

// KeyOf derives the dispatch key of msg.
func KeyOf(msg Message) Key {
	if ext, ok := msg.(ExtensionMessage); ok {
		return Key{ID: IDExtended, Extension: ext.ExtensionName()}
	}
	return Key{ID: msg.MessageID()}
}

// ExtensionKey is the key of the named extension message.
func ExtensionKey(name string) Key {
	return Key{ID: IDExtended, Extension: name}
}

func (k Key) String() string {
	if k.Extension != "" {
		return fmt.Sprintf("extended/%s", k.Extension)
	}
	return k.ID.String()
}
