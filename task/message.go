// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package task

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/validate"
)

// ReceiverOf resolves a reflected conversation id.
func ReceiverOf(repo model.Repository, c d2d.ConversationID) (model.Receiver, error) {
	switch {
	case c.Contact != nil:
		contact, ok := repo.ContactByIdentity(*c.Contact)
		if !ok {
			return model.Receiver{}, fmt.Errorf("%w: contact %s", model.ErrNotFound, *c.Contact)
		}
		return model.ContactReceiver(contact.UID), nil
	case c.Group != nil:
		g, ok := repo.GroupByIDAndCreator(c.Group.GroupID, c.Group.CreatorIdentity)
		if !ok {
			return model.Receiver{}, fmt.Errorf("%w: group %s", model.ErrNotFound, c.Group.Key())
		}
		return model.GroupReceiver(g.UID), nil
	}
	return model.Receiver{}, errors.New("task: empty conversation id")
}

// ConversationIDOf returns the reflected conversation id of r.
func ConversationIDOf(repo model.Repository, r model.Receiver) (d2d.ConversationID, error) {
	switch r.Type {
	case protocol.ReceiverContact:
		c, ok := repo.ContactByUID(r.UID)
		if !ok {
			return d2d.ConversationID{}, fmt.Errorf("%w: %s", model.ErrNotFound, r)
		}
		return d2d.ContactConversation(c.Identity), nil
	case protocol.ReceiverGroup:
		g, ok := repo.GroupByUID(r.UID)
		if !ok {
			return d2d.ConversationID{}, fmt.Errorf("%w: %s", model.ErrNotFound, r)
		}
		return d2d.GroupConversation(g.Key()), nil
	}
	Unreachable(r.Type)
	return d2d.ConversationID{}, nil
}

// GroupOf returns the group a validated message refers to.
func GroupOf(v validate.Message) (validate.GroupRef, bool) {
	switch v := v.(type) {
	case *validate.GroupText:
		return v.Group, true
	case *validate.GroupLocation:
		return v.Group, true
	case *validate.GroupFile:
		return v.Group, true
	case *validate.GroupSetup:
		return v.Group, true
	case *validate.GroupName:
		return v.Group, true
	case *validate.GroupLeave:
		return v.Group, true
	case *validate.GroupSyncRequest:
		return v.Group, true
	case *validate.GroupDeliveryReceipt:
		return v.Group, true
	}
	return validate.GroupRef{}, false
}

var quotePattern = regexp.MustCompile(`^> quote #([0-9a-f]{16})\r?\n\r?\n`)

// QuoteText prefixes text with a reference to the quoted message id.
func QuoteText(id protocol.MessageID, text string) string {
	return fmt.Sprintf("> quote #%s\n\n%s", id, text)
}

func splitQuote(text string) (*protocol.MessageID, string) {
	loc := quotePattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, text
	}
	raw, err := hex.DecodeString(text[loc[2]:loc[3]])
	if err != nil {
		return nil, text
	}
	id := protocol.MessageID(binary.LittleEndian.Uint64(raw))
	return &id, text[loc[1]:]
}

// ConversationContent returns the content of a conversation message.  ok
// is false for control messages.
func ConversationContent(v validate.Message) (m model.Message, ok bool) {
	switch v := v.(type) {
	case *validate.Text:
		m.Kind = model.KindText
		m.QuotedID, m.Text = splitQuote(v.Text)
	case *validate.GroupText:
		m.Kind = model.KindText
		m.QuotedID, m.Text = splitQuote(v.Text)
	case *validate.LocationMessage:
		l := v.Location
		m.Kind, m.Location = model.KindLocation, &l
	case *validate.GroupLocation:
		l := v.Location
		m.Kind, m.Location = model.KindLocation, &l
	case *validate.File:
		f := v.File
		m.Kind, m.File = model.KindFile, &f
	case *validate.GroupFile:
		f := v.File
		m.Kind, m.File = model.KindFile, &f
	default:
		return m, false
	}
	return m, true
}

// ApplyDeliveryReceipt updates the messages of r referenced by a receipt
// of sender.  Unknown messages are skipped.
func ApplyDeliveryReceipt(log *logging.Logger, repo model.Repository, r model.Receiver, sender protocol.IdentityString, status protocol.DeliveryReceiptStatus, ids []protocol.MessageID, at time.Time, origin model.Origin) error {
	for _, id := range ids {
		if !repo.HasMessage(r, id) {
			log.Warningf("Delivery receipt %s of %s references unknown message %s", status, sender, id)
			continue
		}
		var err error
		switch status {
		case protocol.ReceiptReceived:
			err = repo.MarkDelivered(r, id, at, origin)
		case protocol.ReceiptRead:
			err = repo.MarkRead(r, id, at, origin)
		case protocol.ReceiptAcknowledged, protocol.ReceiptDeclined:
			reaction := model.Reaction{Sender: sender, Type: model.ReactionAcknowledge, At: at}
			if status == protocol.ReceiptDeclined {
				reaction.Type = model.ReactionDecline
			}
			var changed bool
			changed, err = repo.AddReaction(r, id, reaction, origin)
			if err == nil && !changed {
				log.Debugf("Reaction of %s to %s already recorded", sender, id)
			}
		default:
			Unreachable(status)
		}
		if errors.Is(err, model.ErrDeletedMessage) {
			log.Debugf("Ignoring %s receipt for deleted message %s", status, id)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
