package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/mthornley/chatstream/internal/models"
)

// BoltDB persists conversations and their messages in a BoltDB file. Each
// conversation record lives in the "conversations" bucket, with its messages
// in a dedicated bucket keyed by sequence-prefixed IDs so bucket iteration
// order is insertion order.
type BoltDB struct {
	db *bolt.DB
}

const conversationsBucket = "conversations"

// NewBoltDB opens (creating if needed, with 0600 permissions) the database at
// the given path and initializes the required buckets.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(conversationsBucket))
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("messages-%s", conversationID))
}

// sequencedID prefixes an ID with a zero-padded bucket sequence number.
// Zero-padding keeps byte-wise key order equal to insertion order past ten
// entries, which TruncateFrom depends on.
func sequencedID(seq uint64, id string) string {
	return fmt.Sprintf("%012d-%s", seq, id)
}

// Conversations retrieves all stored conversations, most recent first.
func (b BoltDB) Conversations(context.Context) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(conversationsBucket))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var conversation models.Conversation
			if err := json.Unmarshal(v, &conversation); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			conversations = append(conversations, conversation)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(conversations)
	return conversations, nil
}

// AddConversation stores a new conversation and creates its message bucket.
// The stored ID is the original ID prefixed with a sequence number; the new
// ID is returned.
func (b BoltDB) AddConversation(_ context.Context, conversation models.Conversation) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(conversationsBucket))
		if bkt == nil {
			return nil
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = sequencedID(seq, conversation.ID)
		conversation.ID = newID

		_, err = tx.CreateBucketIfNotExists(messageBucketName(conversation.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conversation)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bkt.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateConversation modifies an existing conversation. Updating a missing
// conversation is silently ignored.
func (b BoltDB) UpdateConversation(_ context.Context, conversation models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(conversationsBucket))
		if bkt == nil {
			return nil
		}

		if bkt.Get([]byte(conversation.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(conversation)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bkt.Put([]byte(conversation.ID), v)
	})
}

// DeleteConversation removes a conversation record and its message bucket.
func (b BoltDB) DeleteConversation(_ context.Context, conversationID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(conversationsBucket))
		if bkt == nil {
			return nil
		}
		if err := bkt.Delete([]byte(conversationID)); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}

		if tx.Bucket(messageBucketName(conversationID)) == nil {
			return nil
		}
		if err := tx.DeleteBucket(messageBucketName(conversationID)); err != nil {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return nil
	})
}

// Messages retrieves all messages of the conversation in insertion order.
func (b BoltDB) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends a message to the conversation's bucket. The stored ID is
// the original ID prefixed with a sequence number; the new ID is returned.
func (b BoltDB) AddMessage(_ context.Context, conversationID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return fmt.Errorf("conversation %s not found", conversationID)
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = sequencedID(seq, message.ID)
		message.ID = newID

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bkt.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateMessage modifies an existing message. Updating a missing message is
// silently ignored.
func (b BoltDB) UpdateMessage(_ context.Context, conversationID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bkt.Put([]byte(message.ID), v)
	})
}

// AdoptMessageID re-keys a stored message under the server-assigned
// identifier. The sequence prefix of the old key is kept, so the message does
// not move in insertion order. The new stored ID is returned.
func (b BoltDB) AdoptMessageID(_ context.Context, conversationID, localID, serverID string) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return fmt.Errorf("conversation %s not found", conversationID)
		}

		v := bkt.Get([]byte(localID))
		if v == nil {
			return fmt.Errorf("message %s not found", localID)
		}

		prefix, _, ok := strings.Cut(localID, "-")
		if !ok {
			return fmt.Errorf("message id %s has no sequence prefix", localID)
		}
		newID = fmt.Sprintf("%s-%s", prefix, serverID)
		if newID == localID {
			return nil
		}

		var message models.Message
		if err := json.Unmarshal(v, &message); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		message.ID = newID

		nv, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		if err := bkt.Delete([]byte(localID)); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return bkt.Put([]byte(newID), nv)
	})

	return newID, err
}

// TruncateFrom removes the given message and every message after it in
// insertion order. Used by retry, which drops the failed message and
// everything following before re-sending.
func (b BoltDB) TruncateFrom(_ context.Context, conversationID, messageID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return nil
		}

		var doomed [][]byte
		found := false
		err := bkt.ForEach(func(k, _ []byte) error {
			if string(k) == messageID {
				found = true
			}
			if found {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := bkt.Delete(k); err != nil {
				return fmt.Errorf("failed to delete message: %w", err)
			}
		}
		return nil
	})
}
