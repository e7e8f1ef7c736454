package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errValidation("invalid " + name)
	}
	return id, nil
}

type createOfferRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	PointsCost     int64  `json:"pointsCost"`
	MaxAcceptances *int64 `json:"maxAcceptances"`
	GroupID        *int64 `json:"groupId"`
}

func (c *Core) handleCreateOffer(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	var req createOfferRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	var issues []string
	if strings.TrimSpace(req.Title) == "" {
		issues = append(issues, "title is required")
	}
	if req.PointsCost <= 0 {
		issues = append(issues, "pointsCost must be positive")
	}
	if req.MaxAcceptances != nil && *req.MaxAcceptances < 1 {
		issues = append(issues, "maxAcceptances must be at least 1")
	}
	if len(issues) > 0 {
		return errValidation("invalid offer", issues...)
	}
	if req.GroupID != nil && !c.isGroupMember(r.Context(), *req.GroupID, p.UserID) && !p.IsAdmin() {
		return errForbidden("not a member of that group")
	}

	const q = `
INSERT INTO offers (creator_user_id, group_id, title, description, points_cost, max_acceptances, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING ` + offerColumns
	var groupID any
	if req.GroupID != nil {
		groupID = *req.GroupID
	}
	var maxAcc any
	if req.MaxAcceptances != nil {
		maxAcc = *req.MaxAcceptances
	}
	o, err := scanOffer(c.DB.QueryRowContext(r.Context(), q,
		p.UserID, groupID, strings.TrimSpace(req.Title), req.Description,
		req.PointsCost, maxAcc, c.now()))
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return writeOK(w, http.StatusCreated, map[string]any{"offer": o})
}

func (c *Core) handleListOffers(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	activeOnly := r.URL.Query().Get("active") == "true"
	mineOnly := r.URL.Query().Get("mine") == "true"
	search := strings.TrimSpace(r.URL.Query().Get("search"))
	offers, err := c.listOffers(r.Context(), p, activeOnly, mineOnly, search)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"offers": offers})
}

func (c *Core) handleGetOffer(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	o, err := c.getOffer(r.Context(), principal(r), id)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"offer": o})
}

type updateOfferRequest struct {
	Title          *string `json:"title"`
	Description    *string `json:"description"`
	PointsCost     *int64  `json:"pointsCost"`
	MaxAcceptances *int64  `json:"maxAcceptances"`
	IsActive       *bool   `json:"isActive"`
}

// handleUpdateOffer lets the creator (or an admin) edit fields. Lowering
// the cap below the accepted count is rejected rather than silently
// stranding the offer.
func (c *Core) handleUpdateOffer(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req updateOfferRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return errValidation("title cannot be empty")
	}
	if req.PointsCost != nil && *req.PointsCost <= 0 {
		return errValidation("pointsCost must be positive")
	}

	var updated Offer
	err = c.inTx(r.Context(), func(tx *sql.Tx) error {
		const lockQ = `SELECT ` + offerColumns + ` FROM offers WHERE id = $1 FOR UPDATE`
		o, err := scanOffer(tx.QueryRowContext(r.Context(), lockQ, id))
		if err == sql.ErrNoRows {
			return errNotFound("offer not found")
		}
		if err != nil {
			return err
		}
		if o.CreatorUserID != p.UserID && !p.IsAdmin() {
			return errForbidden("not your offer")
		}
		if req.Title != nil {
			o.Title = strings.TrimSpace(*req.Title)
		}
		if req.Description != nil {
			o.Description = *req.Description
		}
		if req.PointsCost != nil {
			o.PointsCost = *req.PointsCost
		}
		if req.MaxAcceptances != nil {
			if *req.MaxAcceptances < o.AcceptedCount {
				return errStateInvalid("maxAcceptances below current acceptances")
			}
			o.MaxAcceptances = req.MaxAcceptances
		}
		if req.IsActive != nil {
			if *req.IsActive && o.MaxAcceptances != nil && o.AcceptedCount >= *o.MaxAcceptances {
				return errStateInvalid("offer is fully accepted")
			}
			o.IsActive = *req.IsActive
		}

		var maxAcc any
		if o.MaxAcceptances != nil {
			maxAcc = *o.MaxAcceptances
		}
		const updateQ = `
UPDATE offers
SET title = $2, description = $3, points_cost = $4, max_acceptances = $5, is_active = $6
WHERE id = $1
`
		if _, err := tx.ExecContext(r.Context(), updateQ,
			o.ID, o.Title, o.Description, o.PointsCost, maxAcc, o.IsActive); err != nil {
			return fmt.Errorf("update offer %d: %w", o.ID, err)
		}
		updated = o
		return nil
	})
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"offer": updated})
}

// handleDeleteOffer removes an untouched offer outright; once acceptances
// exist the row stays for history and is only deactivated.
func (c *Core) handleDeleteOffer(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var deactivated bool
	err = c.inTx(r.Context(), func(tx *sql.Tx) error {
		const lockQ = `SELECT creator_user_id, accepted_count FROM offers WHERE id = $1 FOR UPDATE`
		var creator, accepted int64
		err := tx.QueryRowContext(r.Context(), lockQ, id).Scan(&creator, &accepted)
		if err == sql.ErrNoRows {
			return errNotFound("offer not found")
		}
		if err != nil {
			return err
		}
		if creator != p.UserID && !p.IsAdmin() {
			return errForbidden("not your offer")
		}
		if accepted > 0 {
			deactivated = true
			_, err = tx.ExecContext(r.Context(), `UPDATE offers SET is_active = FALSE WHERE id = $1`, id)
			return err
		}
		if _, err := tx.ExecContext(r.Context(), `DELETE FROM offer_reviews WHERE offer_id = $1`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(r.Context(), `DELETE FROM offers WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"deactivated": deactivated})
}

func (c *Core) handleAcceptOffer(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	acceptance, err := c.acceptOffer(r.Context(), principal(r), id)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusCreated, map[string]any{"acceptance": acceptance})
}

type createReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// handleCreateReview accepts one review per reviewer per offer, and only
// from users who actually accepted it.
func (c *Core) handleCreateReview(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req createReviewRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Rating < 1 || req.Rating > 5 {
		return errValidation("rating must be between 1 and 5")
	}

	var accepted bool
	err = c.DB.QueryRowContext(r.Context(),
		`SELECT EXISTS (SELECT 1 FROM offer_acceptances WHERE offer_id = $1 AND user_id = $2)`,
		id, p.UserID).Scan(&accepted)
	if err != nil {
		return err
	}
	if !accepted {
		return errStateInvalid("only buyers can review an offer")
	}

	const q = `
INSERT INTO offer_reviews (offer_id, reviewer_user_id, rating, comment, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (offer_id, reviewer_user_id) DO NOTHING
RETURNING id
`
	review := OfferReview{
		OfferID:        id,
		ReviewerUserID: p.UserID,
		Rating:         req.Rating,
		Comment:        req.Comment,
		CreatedAt:      c.now(),
	}
	err = c.DB.QueryRowContext(r.Context(), q, id, p.UserID, req.Rating, req.Comment,
		review.CreatedAt).Scan(&review.ID)
	if err == sql.ErrNoRows {
		return errConflict("you already reviewed this offer")
	}
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	return writeOK(w, http.StatusCreated, map[string]any{"review": review})
}

func (c *Core) handleListReviews(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if _, err := c.getOffer(r.Context(), principal(r), id); err != nil {
		return err
	}
	const q = `
SELECT id, offer_id, reviewer_user_id, rating, comment, created_at
FROM offer_reviews WHERE offer_id = $1 ORDER BY id DESC
`
	rows, err := c.DB.QueryContext(r.Context(), q, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	reviews := []OfferReview{}
	var sum, count int64
	for rows.Next() {
		var rev OfferReview
		if err := rows.Scan(&rev.ID, &rev.OfferID, &rev.ReviewerUserID, &rev.Rating,
			&rev.Comment, &rev.CreatedAt); err != nil {
			return err
		}
		reviews = append(reviews, rev)
		sum += int64(rev.Rating)
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	body := map[string]any{"reviews": reviews}
	if count > 0 {
		body["averageRating"] = float64(sum) / float64(count)
	}
	return writeOK(w, http.StatusOK, body)
}

// handleListAcceptances is for the offer creator (or an admin) to see who
// bought.
func (c *Core) handleListAcceptances(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	o, err := c.getOffer(r.Context(), p, id)
	if err != nil {
		return err
	}
	if o.CreatorUserID != p.UserID && !p.IsAdmin() {
		return errForbidden("not your offer")
	}
	const q = `
SELECT id, offer_id, user_id, points_cost, fee_points, created_at
FROM offer_acceptances WHERE offer_id = $1 ORDER BY id DESC
`
	rows, err := c.DB.QueryContext(r.Context(), q, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	acceptances := []OfferAcceptance{}
	for rows.Next() {
		var a OfferAcceptance
		if err := rows.Scan(&a.ID, &a.OfferID, &a.UserID, &a.PointsCost,
			&a.FeePoints, &a.CreatedAt); err != nil {
			return err
		}
		acceptances = append(acceptances, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"acceptances": acceptances})
}

// isGroupMember is the raw membership check without the admin/creator
// bypass.
func (c *Core) isGroupMember(ctx context.Context, groupID, userID int64) bool {
	var member bool
	err := c.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID).Scan(&member)
	if err != nil {
		return false
	}
	return member
}
