package storage

import (
	"crypto/sha1"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/codetrek/synclite/pkg/model"
)

// AttachmentMeta describes one attachment of a revision.
type AttachmentMeta struct {
	Name        string
	Digest      string
	ContentType string
	Length      int64
	RevPos      int
}

// attachmentDigest is the content address of a blob: "sha1-" + base64(SHA1).
func attachmentDigest(data []byte) string {
	sum := sha1.Sum(data)
	return "sha1-" + base64.StdEncoding.EncodeToString(sum[:])
}

// storeAttachmentsTx persists the _attachments structure of a new revision.
// Entries carrying inline data are written to the blob store; stubs and
// follows markers are resolved against the parent revision's attachments.
func (d *Database) storeAttachmentsTx(tx *sql.Tx, seq uint64, docID, parentRevID string, generation int, atts map[string]interface{}) error {
	if len(atts) == 0 {
		return nil
	}

	var parentAtts map[string]AttachmentMeta
	if parentRevID != "" {
		var parentSeq uint64
		err := tx.QueryRow(`SELECT sequence FROM revs WHERE doc_id = ? AND rev_id = ?`, docID, parentRevID).Scan(&parentSeq)
		if err == nil {
			parentAtts, err = attRefsTx(tx, parentSeq)
			if err != nil {
				return err
			}
		} else if err != sql.ErrNoRows {
			return err
		}
	}

	for name, raw := range atts {
		meta, ok := raw.(map[string]interface{})
		if !ok {
			return model.NewError(model.StatusBadAttachment, "attachment %q is not an object", name)
		}
		contentType, _ := meta["content_type"].(string)

		var ref AttachmentMeta
		if dataB64, ok := meta["data"].(string); ok {
			data, err := base64.StdEncoding.DecodeString(dataB64)
			if err != nil {
				return model.NewError(model.StatusBadAttachment, "attachment %q: invalid base64", name)
			}
			digest, err := d.insertBlobTx(tx, data)
			if err != nil {
				return err
			}
			ref = AttachmentMeta{
				Name: name, Digest: digest, ContentType: contentType,
				Length: int64(len(data)), RevPos: generation,
			}
		} else {
			// Stub or follows: the blob must already exist, either carried
			// forward from the parent revision or written ahead of the
			// multipart body.
			parent, ok := parentAtts[name]
			if ok {
				ref = parent
				ref.Name = name
				if contentType != "" {
					ref.ContentType = contentType
				}
			} else {
				digest, _ := meta["digest"].(string)
				if digest == "" {
					return model.NewError(model.StatusBadAttachment, "attachment %q: no data and no known ancestor", name)
				}
				length, err := d.blobLengthTx(tx, digest)
				if err != nil {
					return err
				}
				revpos := generation
				if rp, ok := meta["revpos"].(float64); ok {
					revpos = int(rp)
				}
				ref = AttachmentMeta{
					Name: name, Digest: digest, ContentType: contentType,
					Length: length, RevPos: revpos,
				}
			}
		}

		if _, err := tx.Exec(
			`INSERT INTO att_refs (sequence, name, digest, content_type, revpos) VALUES (?, ?, ?, ?, ?)`,
			seq, ref.Name, ref.Digest, ref.ContentType, ref.RevPos,
		); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) insertBlobTx(tx *sql.Tx, data []byte) (string, error) {
	digest := attachmentDigest(data)
	_, err := tx.Exec(
		`INSERT INTO attachments (digest, content, length) VALUES (?, ?, ?)
		 ON CONFLICT(digest) DO NOTHING`,
		digest, data, len(data))
	return digest, err
}

func (d *Database) blobLengthTx(tx *sql.Tx, digest string) (int64, error) {
	var length int64
	err := tx.QueryRow(`SELECT length FROM attachments WHERE digest = ?`, digest).Scan(&length)
	if err == sql.ErrNoRows {
		return 0, model.NewError(model.StatusBadAttachment, "unknown attachment digest %s", digest)
	}
	return length, err
}

func attRefsTx(tx *sql.Tx, seq uint64) (map[string]AttachmentMeta, error) {
	rows, err := tx.Query(
		`SELECT a.name, a.digest, a.content_type, a.revpos, b.length
		 FROM att_refs a JOIN attachments b ON a.digest = b.digest
		 WHERE a.sequence = ?`, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]AttachmentMeta)
	for rows.Next() {
		var m AttachmentMeta
		if err := rows.Scan(&m.Name, &m.Digest, &m.ContentType, &m.RevPos, &m.Length); err != nil {
			return nil, err
		}
		out[m.Name] = m
	}
	return out, rows.Err()
}

// attachmentsMetaTx assembles the _attachments property of a revision.
// Attachments whose revpos is at or below the ancestor generation implied by
// opts.AttsSince are emitted as stubs even when inline data was requested.
func (d *Database) attachmentsMetaTx(tx *sql.Tx, seq uint64, opts DocumentOptions) (map[string]interface{}, error) {
	refs, err := attRefsTx(tx, seq)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}

	ancestorGen := 0
	for _, revID := range opts.AttsSince {
		if gen := model.RevIDGeneration(revID); gen > ancestorGen {
			ancestorGen = gen
		}
	}

	out := make(map[string]interface{}, len(refs))
	for name, ref := range refs {
		entry := map[string]interface{}{
			"content_type": ref.ContentType,
			"digest":       ref.Digest,
			"length":       ref.Length,
			"revpos":       ref.RevPos,
		}
		inline := opts.IncludeAttachments && (ancestorGen == 0 || ref.RevPos > ancestorGen)
		if inline {
			data, err := d.blobTx(tx, ref.Digest)
			if err != nil {
				return nil, err
			}
			entry["data"] = base64.StdEncoding.EncodeToString(data)
		} else {
			entry["stub"] = true
		}
		out[name] = entry
	}
	return out, nil
}

func (d *Database) blobTx(tx *sql.Tx, digest string) ([]byte, error) {
	var data []byte
	err := tx.QueryRow(`SELECT content FROM attachments WHERE digest = ?`, digest).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	return data, err
}

// Attachments returns the attachment metadata of a revision.
func (d *Database) Attachments(docID, revID string) (map[string]AttachmentMeta, error) {
	var refs map[string]AttachmentMeta
	err := d.inTx(func(tx *sql.Tx) error {
		var seq uint64
		err := tx.QueryRow(`SELECT sequence FROM revs WHERE doc_id = ? AND rev_id = ?`, docID, revID).Scan(&seq)
		if err == sql.ErrNoRows {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		refs, err = attRefsTx(tx, seq)
		return err
	})
	return refs, err
}

// AttachmentContent reads a blob by digest.
func (d *Database) AttachmentContent(digest string) ([]byte, error) {
	var data []byte
	err := d.inTx(func(tx *sql.Tx) error {
		var err error
		data, err = d.blobTx(tx, digest)
		return err
	})
	return data, err
}

// WriteAttachment streams an attachment body into the blob store and returns
// its digest and length. The caller then creates a revision referencing it.
func (d *Database) WriteAttachment(r io.Reader) (digest string, length int64, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("read attachment: %w", err)
	}
	err = d.inTx(func(tx *sql.Tx) error {
		digest, err = d.insertBlobTx(tx, data)
		return err
	})
	return digest, int64(len(data)), err
}
