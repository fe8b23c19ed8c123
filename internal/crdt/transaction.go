package crdt

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange indicates a local edit addressed a position outside the sequence.
var ErrIndexOutOfRange = errors.New("crdt: index out of range")

// Transaction groups local edits into a single update.
type Transaction struct {
	doc    *Doc
	update Update
}

// Transact runs fn against the replica and returns the update describing the
// edits it made, or nil when nothing changed. Edits made before an error are
// kept and included in the returned update.
func (d *Doc) Transact(fn func(tx *Transaction) error) ([]byte, error) {
	tx := &Transaction{doc: d}
	err := fn(tx)
	if tx.update.IsEmpty() {
		return nil, err
	}
	return tx.update.Encode(), err
}

func (tx *Transaction) newItem(root string) *Item {
	doc := tx.doc
	doc.lamport++
	return &Item{
		ID:      ID{Client: doc.clientID, Clock: doc.clocks[doc.clientID]},
		Lamport: doc.lamport,
		Root:    root,
	}
}

// Insert places values at index of a sequence root.
func (tx *Transaction) Insert(root string, index int, values ...string) error {
	if root == "" {
		return fmt.Errorf("%w: empty root name", ErrInvalidUpdate)
	}
	visible := tx.doc.visible(root)
	if index < 0 || index > len(visible) {
		return fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfRange, index, len(visible))
	}
	var origin *ID
	if index > 0 {
		left := visible[index-1].ID
		origin = &left
	}
	for _, value := range values {
		item := tx.newItem(root)
		item.Origin = origin
		item.Content = value
		tx.doc.integrate(item)
		tx.update.Items = append(tx.update.Items, item)
		id := item.ID
		origin = &id
	}
	return nil
}

// InsertText inserts text one rune per element.
func (tx *Transaction) InsertText(root string, index int, text string) error {
	values := make([]string, 0, len(text))
	for _, r := range text {
		values = append(values, string(r))
	}
	return tx.Insert(root, index, values...)
}

// Append adds values at the end of a sequence root.
func (tx *Transaction) Append(root string, values ...string) error {
	return tx.Insert(root, tx.doc.Len(root), values...)
}

// Delete removes length visible elements starting at index.
func (tx *Transaction) Delete(root string, index, length int) error {
	visible := tx.doc.visible(root)
	if index < 0 || length < 0 || index+length > len(visible) {
		return fmt.Errorf("%w: delete %d at %d of %d", ErrIndexOutOfRange, length, index, len(visible))
	}
	for _, item := range visible[index : index+length] {
		deletion := DeleteRange{Client: item.ID.Client, Clock: item.ID.Clock, Length: 1}
		tx.doc.deletes.add(deletion)
		tx.update.Deletes = append(tx.update.Deletes, deletion)
	}
	return nil
}

// Set assigns value to key in a map root.
func (tx *Transaction) Set(root, key, value string) error {
	if root == "" {
		return fmt.Errorf("%w: empty root name", ErrInvalidUpdate)
	}
	item := tx.newItem(root)
	item.IsMap = true
	item.Key = key
	item.Content = value
	tx.doc.integrate(item)
	tx.update.Items = append(tx.update.Items, item)
	return nil
}

// Remove clears key from a map root. Removing an absent key is a no-op.
func (tx *Transaction) Remove(root, key string) {
	entry := tx.doc.maps[root][key]
	if entry == nil || tx.doc.isDeleted(entry.ID) {
		return
	}
	deletion := DeleteRange{Client: entry.ID.Client, Clock: entry.ID.Clock, Length: 1}
	tx.doc.deletes.add(deletion)
	tx.update.Deletes = append(tx.update.Deletes, deletion)
}
