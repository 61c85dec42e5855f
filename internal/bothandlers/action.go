package bothandlers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownAction rejects callback data that does not decode to a known
// action kind. Stale keyboards from older builds land here.
var ErrUnknownAction = errors.New("bothandlers: unknown action")

// Action enumerates every button the bot ever renders. Callback data is
// the numeric kind plus positional arguments; the dispatch table in
// Handlers maps each kind to exactly one handler.
type Action uint8

const (
	ActionNone Action = iota
	ActionMenu
	ActionShop
	ActionCity
	ActionDistrict
	ActionType
	ActionOffer
	ActionBasket
	ActionRemoveItem
	ActionApplyCode
	ActionDetachCode
	ActionCheckout
	ActionRefill
	ActionBalance
	ActionHistory
	ActionLanguage
	ActionSetLanguage
	ActionHelp

	ActionAdmin
	ActionAdminStats
	ActionAdminDeposits
	ActionAdminAddDrop
	ActionAdminBulkAdd
	ActionAdminCreateCode
	ActionAdminCodes
	ActionAdminToggleCode
	ActionAdminRecover
	ActionAdminBroadcast
	ActionAdminWelcome
	ActionCancel

	actionEnd // sentinel; decode rejects anything at or past it
)

const actionSep = "|"

// encodeAction packs an action and its arguments into callback data.
// Telegram caps callback data at 64 bytes, so arguments stay short:
// names, ids, and cent amounts.
func encodeAction(kind Action, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, strconv.Itoa(int(kind)))
	parts = append(parts, args...)
	return strings.Join(parts, actionSep)
}

// decodeAction unpacks callback data. Anything that is not a known kind
// is an ErrUnknownAction; argument validation is the handler's job.
func decodeAction(data string) (Action, []string, error) {
	parts := strings.Split(data, actionSep)
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= int(ActionNone) || n >= int(actionEnd) {
		return ActionNone, nil, fmt.Errorf("%w: %q", ErrUnknownAction, data)
	}
	return Action(n), parts[1:], nil
}
