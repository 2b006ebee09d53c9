package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// BoardPageSize is the number of rows one show-board page carries.
const BoardPageSize = 20

// ErrPermission means the requester may not touch the post.
var ErrPermission = errors.New("db: permission denied")

// gmDeleteLevel is the GM level that may delete any post.
const gmDeleteLevel = 50

// PostSummary is one line of a board or mailbox listing.
type PostSummary struct {
	Post   uint16
	Author string
	Title  string
}

// Post is a full post body.
type Post struct {
	Post   uint16
	CharID uint32 // author
	Author string
	Title  string
	Body   string
}

// BoardStore persists bulletin boards and character mail.
type BoardStore struct {
	db *Database
}

// NewBoardStore wraps an open database.
func NewBoardStore(d *Database) *BoardStore {
	return &BoardStore{db: d}
}

// ListPosts returns one page of a board, newest first.
func (b *BoardStore) ListPosts(board, page uint16) ([]PostSummary, error) {
	rows, err := b.db.Query(
		"SELECT `BrdPost`, `BrdAuthor`, `BrdTitle` FROM `Boards` "+
			"WHERE `BrdBnmId` = ? ORDER BY `BrdPost` DESC LIMIT ? OFFSET ?",
		board, BoardPageSize, int(page)*BoardPageSize)
	if err != nil {
		return nil, fmt.Errorf("board list: %w", err)
	}
	defer rows.Close()

	var out []PostSummary
	for rows.Next() {
		var p PostSummary
		if err := rows.Scan(&p.Post, &p.Author, &p.Title); err != nil {
			return nil, fmt.Errorf("board list: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReadPost fetches one board post.
func (b *BoardStore) ReadPost(board, post uint16) (*Post, error) {
	p := &Post{}
	err := b.db.QueryRow(
		"SELECT `BrdPost`, `BrdChaId`, `BrdAuthor`, `BrdTitle`, `BrdBody` "+
			"FROM `Boards` WHERE `BrdBnmId` = ? AND `BrdPost` = ?",
		board, post).Scan(&p.Post, &p.CharID, &p.Author, &p.Title, &p.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("board read: %w", err)
	}
	return p, nil
}

// WritePost appends a post to a board and returns its per-board number.
func (b *BoardStore) WritePost(board uint16, charID uint32, author, title, body string) (uint16, error) {
	var post uint16
	err := b.db.Transaction(func(tx *sql.Tx) error {
		var next sql.NullInt64
		err := tx.QueryRow("SELECT MAX(`BrdPost`) FROM `Boards` WHERE `BrdBnmId` = ?", board).Scan(&next)
		if err != nil {
			return err
		}
		post = uint16(next.Int64) + 1
		_, err = tx.Exec(
			"INSERT INTO `Boards` (`BrdBnmId`, `BrdPost`, `BrdChaId`, `BrdAuthor`, `BrdTitle`, `BrdBody`, `BrdTime`) "+
				"VALUES (?, ?, ?, ?, ?, ?, UNIX_TIMESTAMP())",
			board, post, charID, author, title, body)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("board write: %w", err)
	}
	return post, nil
}

// DeletePost removes a board post. Allowed for GMs at or above the
// delete level and for the author.
func (b *BoardStore) DeletePost(board, post uint16, charID, gmLevel uint32) error {
	p, err := b.ReadPost(board, post)
	if err != nil {
		return err
	}
	if gmLevel < gmDeleteLevel && p.CharID != charID {
		return ErrPermission
	}
	_, err = b.db.Exec("DELETE FROM `Boards` WHERE `BrdBnmId` = ? AND `BrdPost` = ?", board, post)
	if err != nil {
		return fmt.Errorf("board delete: %w", err)
	}
	return nil
}

// ListMail returns one page of a character's mailbox, newest first.
func (b *BoardStore) ListMail(charID uint32, page uint16) ([]PostSummary, error) {
	rows, err := b.db.Query(
		"SELECT `MaiPost`, `MaiFrom`, `MaiTitle` FROM `Mail` "+
			"WHERE `MaiChaId` = ? ORDER BY `MaiPost` DESC LIMIT ? OFFSET ?",
		charID, BoardPageSize, int(page)*BoardPageSize)
	if err != nil {
		return nil, fmt.Errorf("mail list: %w", err)
	}
	defer rows.Close()

	var out []PostSummary
	for rows.Next() {
		var p PostSummary
		if err := rows.Scan(&p.Post, &p.Author, &p.Title); err != nil {
			return nil, fmt.Errorf("mail list: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReadMail fetches one mail and marks it read.
func (b *BoardStore) ReadMail(charID uint32, post uint16) (*Post, error) {
	p := &Post{}
	err := b.db.QueryRow(
		"SELECT `MaiPost`, `MaiFromChaId`, `MaiFrom`, `MaiTitle`, `MaiBody` "+
			"FROM `Mail` WHERE `MaiChaId` = ? AND `MaiPost` = ?",
		charID, post).Scan(&p.Post, &p.CharID, &p.Author, &p.Title, &p.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mail read: %w", err)
	}
	if _, err := b.db.Exec(
		"UPDATE `Mail` SET `MaiRead` = 1 WHERE `MaiChaId` = ? AND `MaiPost` = ?",
		charID, post); err != nil {
		return nil, fmt.Errorf("mail read flag: %w", err)
	}
	return p, nil
}

// WriteMail delivers a mail into a character's mailbox and returns its
// per-mailbox number.
func (b *BoardStore) WriteMail(toCharID, fromCharID uint32, from, title, body string) (uint16, error) {
	var post uint16
	err := b.db.Transaction(func(tx *sql.Tx) error {
		var next sql.NullInt64
		err := tx.QueryRow("SELECT MAX(`MaiPost`) FROM `Mail` WHERE `MaiChaId` = ?", toCharID).Scan(&next)
		if err != nil {
			return err
		}
		post = uint16(next.Int64) + 1
		_, err = tx.Exec(
			"INSERT INTO `Mail` (`MaiChaId`, `MaiPost`, `MaiFromChaId`, `MaiFrom`, `MaiTitle`, `MaiBody`, `MaiRead`, `MaiTime`) "+
				"VALUES (?, ?, ?, ?, ?, ?, 0, UNIX_TIMESTAMP())",
			toCharID, post, fromCharID, from, title, body)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mail write: %w", err)
	}
	return post, nil
}

// DeleteMail removes one mail. Allowed for GMs at or above the delete
// level, the mailbox owner, and the original sender.
func (b *BoardStore) DeleteMail(ownerID uint32, post uint16, requesterID, gmLevel uint32, requesterName string) error {
	var fromID uint32
	var from string
	err := b.db.QueryRow(
		"SELECT `MaiFromChaId`, `MaiFrom` FROM `Mail` WHERE `MaiChaId` = ? AND `MaiPost` = ?",
		ownerID, post).Scan(&fromID, &from)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mail delete: %w", err)
	}
	if gmLevel < gmDeleteLevel && requesterID != ownerID && requesterID != fromID && requesterName != from {
		return ErrPermission
	}
	if _, err := b.db.Exec(
		"DELETE FROM `Mail` WHERE `MaiChaId` = ? AND `MaiPost` = ?", ownerID, post); err != nil {
		return fmt.Errorf("mail delete: %w", err)
	}
	return nil
}

// UnreadMail reports whether a character has unread mail.
func (b *BoardStore) UnreadMail(charID uint32) (bool, error) {
	var n int64
	err := b.db.QueryRow(
		"SELECT COUNT(*) FROM `Mail` WHERE `MaiChaId` = ? AND `MaiRead` = 0", charID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("mail check: %w", err)
	}
	return n > 0, nil
}
