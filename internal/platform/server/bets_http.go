package server

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var betTypes = map[string]bool{
	"boolean":  true,
	"number":   true,
	"multiple": true,
}

type createBetOption struct {
	Label        string  `json:"label"`
	NumericValue *string `json:"numericValue"`
	Odds         string  `json:"odds"`
}

type createBetRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	BetType     string            `json:"betType"`
	ClosesAt    time.Time         `json:"closesAt"`
	GroupID     *int64            `json:"groupId"`
	Options     []createBetOption `json:"options"`
}

func (c *Core) handleCreateBet(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	var req createBetRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}

	var issues []string
	if strings.TrimSpace(req.Title) == "" {
		issues = append(issues, "title is required")
	}
	if !betTypes[req.BetType] {
		issues = append(issues, "betType must be boolean, number, or multiple")
	}
	if !req.ClosesAt.After(c.now()) {
		issues = append(issues, "closesAt must be in the future")
	}
	if len(req.Options) < 2 {
		issues = append(issues, "at least two options are required")
	}
	if req.BetType == "boolean" && len(req.Options) != 2 {
		issues = append(issues, "boolean bets take exactly two options")
	}
	oddsByOption := make([]decimal.Decimal, len(req.Options))
	for i, opt := range req.Options {
		if strings.TrimSpace(opt.Label) == "" {
			issues = append(issues, fmt.Sprintf("option %d: label is required", i+1))
			continue
		}
		odds, err := decimal.NewFromString(opt.Odds)
		if err != nil || odds.LessThan(minOdds) {
			issues = append(issues, fmt.Sprintf("option %d: odds must be a decimal >= 1.01", i+1))
			continue
		}
		if req.BetType == "number" && opt.NumericValue == nil {
			issues = append(issues, fmt.Sprintf("option %d: numericValue is required for number bets", i+1))
		}
		oddsByOption[i] = odds
	}
	if len(issues) > 0 {
		return errValidation("invalid bet", issues...)
	}
	if req.GroupID != nil && !c.isGroupMember(r.Context(), *req.GroupID, p.UserID) && !p.IsAdmin() {
		return errForbidden("not a member of that group")
	}

	var bet Bet
	err := c.inTx(r.Context(), func(tx *sql.Tx) error {
		const insertBetQ = `
INSERT INTO bets (creator_user_id, group_id, title, description, bet_type, closes_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING ` + betColumns
		var groupID any
		if req.GroupID != nil {
			groupID = *req.GroupID
		}
		var err error
		bet, err = scanBet(tx.QueryRowContext(r.Context(), insertBetQ,
			p.UserID, groupID, strings.TrimSpace(req.Title), req.Description,
			req.BetType, req.ClosesAt.UTC(), c.now()))
		if err != nil {
			return fmt.Errorf("insert bet: %w", err)
		}
		for i, opt := range req.Options {
			const insertOptQ = `
INSERT INTO bet_options (bet_id, label, numeric_value, current_odds)
VALUES ($1,$2,$3::numeric,$4::numeric)
RETURNING id
`
			var numeric any
			if opt.NumericValue != nil {
				numeric = *opt.NumericValue
			}
			var optID int64
			if err := tx.QueryRowContext(r.Context(), insertOptQ,
				bet.ID, strings.TrimSpace(opt.Label), numeric,
				oddsByOption[i].StringFixed(2)).Scan(&optID); err != nil {
				return fmt.Errorf("insert option: %w", err)
			}
			bet.Options = append(bet.Options, BetOption{
				ID:           optID,
				BetID:        bet.ID,
				Label:        strings.TrimSpace(opt.Label),
				NumericValue: opt.NumericValue,
				CurrentOdds:  oddsByOption[i].StringFixed(2),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusCreated, map[string]any{"bet": bet})
}

func (c *Core) handleListBets(w http.ResponseWriter, r *http.Request) error {
	status := r.URL.Query().Get("status")
	if status == "" && r.URL.Query().Get("active") == "true" {
		status = betStatusOpen
	}
	if status != "" {
		switch status {
		case betStatusOpen, betStatusClosed, betStatusResolving, betStatusResolved, betStatusCancelled:
		default:
			return errValidation("unknown status filter")
		}
	}
	bets, err := c.listBets(r.Context(), principal(r), status)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"bets": bets})
}

func (c *Core) handleGetBet(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	bet, err := c.getBet(r.Context(), principal(r), id)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"bet": bet})
}

// handleListBetPositions shows the caller their own positions; admins see
// everyone's.
func (c *Core) handleListBetPositions(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if _, err := c.getBet(r.Context(), p, id); err != nil {
		return err
	}
	q := `SELECT ` + positionColumns + ` FROM bet_positions WHERE bet_id = $1`
	args := []any{id}
	if !p.IsAdmin() {
		q += ` AND user_id = $2`
		args = append(args, p.UserID)
	}
	q += ` ORDER BY id DESC`
	rows, err := c.DB.QueryContext(r.Context(), q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	positions := []BetPosition{}
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return err
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"positions": positions})
}

type buyPositionRequest struct {
	OptionID    int64 `json:"optionId"`
	StakePoints int64 `json:"stakePoints"`
}

func (c *Core) handleBuyPosition(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req buyPositionRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.OptionID <= 0 {
		return errValidation("optionId is required")
	}
	pos, err := c.buyPosition(r.Context(), principal(r), id, req.OptionID, req.StakePoints)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusCreated, map[string]any{"position": pos})
}

type sellPositionRequest struct {
	PositionID int64 `json:"positionId"`
}

func (c *Core) handleSellPosition(w http.ResponseWriter, r *http.Request) error {
	betID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req sellPositionRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.PositionID <= 0 {
		return errValidation("positionId is required")
	}
	pos, err := c.sellPosition(r.Context(), principal(r), betID, req.PositionID)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"position": pos})
}

type updateOptionRequest struct {
	Label        *string `json:"label"`
	NumericValue *string `json:"numericValue"`
	CurrentOdds  *string `json:"currentOdds"`
}

// handleUpdateBetOption adjusts an option. Odds move freely while the bet
// is tradable; label and numeric value are frozen once anyone holds a
// position, since they define what was bought.
func (c *Core) handleUpdateBetOption(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	betID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	optionID, err := pathID(r, "optionId")
	if err != nil {
		return err
	}
	var req updateOptionRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	var newOdds decimal.Decimal
	if req.CurrentOdds != nil {
		newOdds, err = decimal.NewFromString(*req.CurrentOdds)
		if err != nil || newOdds.LessThan(minOdds) {
			return errValidation("currentOdds must be a decimal >= 1.01")
		}
	}
	if req.Label != nil && strings.TrimSpace(*req.Label) == "" {
		return errValidation("label cannot be empty")
	}

	var published *OddsUpdate
	err = c.inTx(r.Context(), func(tx *sql.Tx) error {
		b, err := lockBet(r.Context(), tx, betID)
		if err != nil {
			return err
		}
		if b.CreatorUserID != p.UserID && !p.IsAdmin() {
			return errForbidden("not your bet")
		}
		switch b.Status {
		case betStatusOpen, betStatusClosed:
		default:
			return errStateInvalid("bet is " + b.Status)
		}

		const optQ = `
SELECT label, numeric_value::text, current_odds::text
FROM bet_options WHERE id = $1 AND bet_id = $2 FOR UPDATE
`
		var (
			label   string
			numeric sql.NullString
			odds    string
		)
		err = tx.QueryRowContext(r.Context(), optQ, optionID, betID).Scan(&label, &numeric, &odds)
		if err == sql.ErrNoRows {
			return errNotFound("bet option not found")
		}
		if err != nil {
			return err
		}

		if req.Label != nil || req.NumericValue != nil {
			var held bool
			err = tx.QueryRowContext(r.Context(),
				`SELECT EXISTS (SELECT 1 FROM bet_positions WHERE bet_id = $1)`, betID).Scan(&held)
			if err != nil {
				return err
			}
			if held {
				return errStateInvalid("option details are frozen once positions exist")
			}
			if req.Label != nil {
				label = strings.TrimSpace(*req.Label)
			}
			if req.NumericValue != nil {
				numeric = sql.NullString{String: *req.NumericValue, Valid: true}
			}
		}
		if req.CurrentOdds != nil {
			odds = newOdds.StringFixed(2)
		}

		var numericArg any
		if numeric.Valid {
			numericArg = numeric.String
		}
		const updateQ = `
UPDATE bet_options SET label = $3, numeric_value = $4::numeric, current_odds = $5::numeric
WHERE id = $1 AND bet_id = $2
`
		if _, err := tx.ExecContext(r.Context(), updateQ, optionID, betID, label, numericArg, odds); err != nil {
			return fmt.Errorf("update option %d: %w", optionID, err)
		}
		if req.CurrentOdds != nil {
			published = &OddsUpdate{BetID: betID, OptionID: optionID, Odds: odds, At: c.now()}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if published != nil {
		c.publishOdds(r.Context(), *published)
	}
	option := BetOption{ID: optionID, BetID: betID}
	options, err := c.loadBetOptions(r.Context(), c.DB, betID)
	if err == nil {
		for _, opt := range options {
			if opt.ID == optionID {
				option = opt
			}
		}
	}
	return writeOK(w, http.StatusOK, map[string]any{"option": option})
}

func (c *Core) handleCancelBet(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	bet, err := c.cancelBet(r.Context(), principal(r), id)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"bet": bet})
}

type resolveBetRequest struct {
	ResultOptionID int64 `json:"resultOptionId"`
}

func (c *Core) handleResolveBet(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req resolveBetRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.ResultOptionID <= 0 {
		return errValidation("resultOptionId is required")
	}
	jobID, err := c.resolveBet(r.Context(), principal(r), id, req.ResultOptionID)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusAccepted, map[string]any{
		"payoutJobId": jobID,
		"status":      betStatusResolving,
	})
}
