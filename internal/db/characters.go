package db

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/seolan-project/seolan/internal/config"
)

var (
	// ErrNotFound means the named character does not exist.
	ErrNotFound = errors.New("db: character not found")

	// ErrNameTaken means a unique-name insert lost the race.
	ErrNameTaken = errors.New("db: name already taken")

	// ErrWrongPassword means the stored hash matched neither password form.
	ErrWrongPassword = errors.New("db: wrong password")
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashPassword returns the storage form of a character password:
// MD5 over "lowercase_name password".
func HashPassword(name, pass string) string {
	return md5Hex(strings.ToLower(name) + " " + pass)
}

// VerifyPassword checks a password against a stored hash. Either the
// salted form MD5("lowercase_name password") or the bare MD5(password)
// passes; old rows carry the bare form.
func VerifyPassword(name, pass, stored string) bool {
	return stored == HashPassword(name, pass) || stored == md5Hex(pass)
}

// MasterValid checks the admin master password: MD5 must match and the
// expiry timestamp (unix seconds) must not have passed.
func MasterValid(pass, masterHash string, expire int64) bool {
	return md5Hex(pass) == masterHash && time.Now().Unix() <= expire
}

// CharRow is the slice of a Character row the auth path needs.
type CharRow struct {
	ID       uint32
	Name     string
	Password string // MD5 hex
	MapID    uint16
	X        uint16
	Y        uint16
	GMLevel  uint32
	Banned   bool
}

// LookupChar fetches the auth-relevant columns for a character name.
func (d *Database) LookupChar(name string) (*CharRow, error) {
	row := &CharRow{}
	var banned int32
	err := d.QueryRow(
		"SELECT `ChaId`, `ChaName`, `ChaPassword`, `ChaMapId`, `ChaX`, `ChaY`, "+
			"`ChaGMLevel`, `ChaBanned` FROM `Character` WHERE `ChaName` = ?",
		name).Scan(&row.ID, &row.Name, &row.Password, &row.MapID, &row.X, &row.Y,
		&row.GMLevel, &banned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("char lookup: %w", err)
	}
	row.Banned = banned != 0
	return row, nil
}

// MasterPassword returns the admin master hash and its unix expiry.
func (d *Database) MasterPassword() (string, int64, error) {
	var hash string
	var expire int64
	err := d.QueryRow("SELECT `AdmPassword`, `AdmExpire` FROM `AdminPassword` LIMIT 1").
		Scan(&hash, &expire)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("master password: %w", err)
	}
	return hash, expire, nil
}

// NameUsed reports whether a character name is already registered.
func (d *Database) NameUsed(name string) (bool, error) {
	var n int64
	err := d.QueryRow("SELECT COUNT(*) FROM `Character` WHERE `ChaName` = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("name check: %w", err)
	}
	return n > 0, nil
}

// NewChar carries the avatar fields of a finalized character creation.
type NewChar struct {
	Name      string
	Password  string // plaintext; hashed on insert
	Face      uint8
	Sex       uint8
	Country   uint8
	Totem     uint8
	Hair      uint8
	HairColor uint8
	FaceColor uint8
}

// CreateChar inserts a new character at the configured start point.
func (d *Database) CreateChar(nc NewChar, start config.Point) error {
	_, err := d.Exec(
		"INSERT INTO `Character` (`ChaName`, `ChaPassword`, `ChaFace`, `ChaSex`, "+
			"`ChaCountry`, `ChaTotem`, `ChaHair`, `ChaHairColor`, `ChaFaceColor`, "+
			"`ChaMapId`, `ChaX`, `ChaY`, `ChaOnline`, `ChaGMLevel`) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)",
		nc.Name, HashPassword(nc.Name, nc.Password), nc.Face, nc.Sex,
		nc.Country, nc.Totem, nc.Hair, nc.HairColor, nc.FaceColor,
		start.M, start.X, start.Y)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return ErrNameTaken
		}
		return fmt.Errorf("char create: %w", err)
	}
	return nil
}

// ChangePassword verifies the old password and stores the new one in the
// salted form.
func (d *Database) ChangePassword(name, oldPass, newPass string) error {
	row, err := d.LookupChar(name)
	if err != nil {
		return err
	}
	if !VerifyPassword(name, oldPass, row.Password) {
		return ErrWrongPassword
	}
	_, err = d.Exec("UPDATE `Character` SET `ChaPassword` = ? WHERE `ChaId` = ?",
		HashPassword(name, newPass), row.ID)
	if err != nil {
		return fmt.Errorf("password update: %w", err)
	}
	return nil
}

// SetOnline flips the online flag for one character.
func (d *Database) SetOnline(charID uint32, online bool) error {
	flag := 0
	if online {
		flag = 1
	}
	_, err := d.Exec("UPDATE `Character` SET `ChaOnline` = ? WHERE `ChaId` = ?", flag, charID)
	return err
}

// ResetAllOnline clears every online flag. Run at directory startup so a
// crash never leaves characters stuck online.
func (d *Database) ResetAllOnline() error {
	_, err := d.Exec("UPDATE `Character` SET `ChaOnline` = 0 WHERE `ChaOnline` = 1")
	return err
}

// ResetOnlineFor clears the online flag for the given character ids.
func (d *Database) ResetOnlineFor(ids []uint32) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, len(ids))
	marks := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		marks[i] = "?"
	}
	_, err := d.Exec(
		"UPDATE `Character` SET `ChaOnline` = 0 WHERE `ChaId` IN ("+strings.Join(marks, ",")+")",
		args...)
	return err
}
