package db

// Login-side account checks. The gates fail open on query errors; the
// error still reaches the log.

import (
	"database/sql"
	"errors"

	"github.com/rs/zerolog/log"
)

// IsIPBanned reports whether the dotted-decimal address is in BannedIP.
func (d *Database) IsIPBanned(ip string) bool {
	var n int64
	err := d.QueryRow("SELECT COUNT(*) FROM `BannedIP` WHERE `BndIP` = ?", ip).Scan(&n)
	if err != nil {
		log.Warn().Err(err).Str("ip", ip).Msg("ban lookup failed")
		return false
	}
	return n > 0
}

// MaintenanceMode reports whether the Maintenance table flag is non-zero.
func (d *Database) MaintenanceMode() bool {
	var n int32
	err := d.QueryRow("SELECT `MaintenanceMode` FROM `Maintenance` LIMIT 1").Scan(&n)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Msg("maintenance lookup failed")
		}
		return false
	}
	return n != 0
}

// CharGMLevel returns the GM level for a character name, or 0 if not found.
func (d *Database) CharGMLevel(name string) uint32 {
	var level uint32
	err := d.QueryRow("SELECT `ChaGMLevel` FROM `Character` WHERE `ChaName` = ?", name).Scan(&level)
	if err != nil {
		return 0
	}
	return level
}

// AccountForChar returns the AccountId that owns the named character, or
// 0 if the character does not exist or is unattached.
func (d *Database) AccountForChar(name string) uint32 {
	var charID uint32
	err := d.QueryRow("SELECT `ChaId` FROM `Character` WHERE `ChaName` = ?", name).Scan(&charID)
	if err != nil || charID == 0 {
		return 0
	}

	var accountID uint32
	err = d.QueryRow(
		"SELECT `AccountId` FROM `Accounts` WHERE "+
			"`AccountCharId1` = ? OR `AccountCharId2` = ? OR `AccountCharId3` = ? OR "+
			"`AccountCharId4` = ? OR `AccountCharId5` = ? OR `AccountCharId6` = ?",
		charID, charID, charID, charID, charID, charID).Scan(&accountID)
	if err != nil {
		return 0
	}
	return accountID
}

// AccountBanned reports whether the account owning the named character
// carries a ban flag.
func (d *Database) AccountBanned(name string) bool {
	accountID := d.AccountForChar(name)
	if accountID == 0 {
		return false
	}
	var banned int32
	err := d.QueryRow("SELECT `AccountBanned` FROM `Accounts` WHERE `AccountId` = ?", accountID).Scan(&banned)
	if err != nil {
		return false
	}
	return banned != 0
}

// UpdateLastIP records the client address on a successful login.
func (d *Database) UpdateLastIP(name, ip string) {
	if _, err := d.Exec("UPDATE `Character` SET `ChaLastIP` = ? WHERE `ChaName` = ?", ip, name); err != nil {
		log.Warn().Err(err).Str("char", name).Msg("last-ip update failed")
	}
}
