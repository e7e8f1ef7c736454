package server

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	MemberCount int64     `json:"memberCount,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (c *Core) handleCreateGroup(w http.ResponseWriter, r *http.Request) error {
	var req groupRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return errValidation("name is required")
	}
	const q = `
INSERT INTO groups (name, description, created_at)
VALUES ($1,$2,$3)
ON CONFLICT (name) DO NOTHING
RETURNING id, name, description, created_at
`
	var g Group
	err := c.DB.QueryRowContext(r.Context(), q, name, req.Description, c.now()).
		Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return errConflict("a group with that name exists")
	}
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return writeOK(w, http.StatusCreated, map[string]any{"group": g})
}

func (c *Core) handleListGroups(w http.ResponseWriter, r *http.Request) error {
	const q = `
SELECT g.id, g.name, g.description, g.created_at,
       (SELECT COUNT(*) FROM group_members gm WHERE gm.group_id = g.id)
FROM groups g
ORDER BY g.name
`
	rows, err := c.DB.QueryContext(r.Context(), q)
	if err != nil {
		return err
	}
	defer rows.Close()
	groups := []Group{}
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt, &g.MemberCount); err != nil {
			return err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"groups": groups})
}

func (c *Core) handleUpdateGroup(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req groupRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return errValidation("name is required")
	}
	const q = `
UPDATE groups SET name = $2, description = $3 WHERE id = $1
RETURNING id, name, description, created_at
`
	var g Group
	err = c.DB.QueryRowContext(r.Context(), q, id, name, req.Description).
		Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return errNotFound("group not found")
	}
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return writeOK(w, http.StatusOK, map[string]any{"group": g})
}

// handleDeleteGroup removes the group. Offers and bets scoped to it
// become publicly visible rather than orphaned.
func (c *Core) handleDeleteGroup(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	err = c.inTx(r.Context(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(r.Context(), `UPDATE offers SET group_id = NULL WHERE group_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(r.Context(), `UPDATE bets SET group_id = NULL WHERE group_id = $1`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(r.Context(), `DELETE FROM groups WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errNotFound("group not found")
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, nil)
}

type groupMembersRequest struct {
	Add    []int64 `json:"add"`
	Remove []int64 `json:"remove"`
}

// handleGroupMembers applies a batch membership change in one
// transaction. Unknown user ids fail the whole batch.
func (c *Core) handleGroupMembers(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req groupMembersRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if len(req.Add) == 0 && len(req.Remove) == 0 {
		return errValidation("nothing to change")
	}

	var added, removed int64
	err = c.inTx(r.Context(), func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(r.Context(),
			`SELECT EXISTS (SELECT 1 FROM groups WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return errNotFound("group not found")
		}
		now := c.now()
		for _, uid := range req.Add {
			const addQ = `
INSERT INTO group_members (group_id, user_id, added_at)
SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM users WHERE id = $2)
ON CONFLICT DO NOTHING
`
			res, err := tx.ExecContext(r.Context(), addQ, id, uid, now)
			if err != nil {
				return fmt.Errorf("add member %d: %w", uid, err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				var known bool
				if err := tx.QueryRowContext(r.Context(),
					`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, uid).Scan(&known); err != nil {
					return err
				}
				if !known {
					return errValidation(fmt.Sprintf("user %d does not exist", uid))
				}
				continue
			}
			added += n
		}
		for _, uid := range req.Remove {
			res, err := tx.ExecContext(r.Context(),
				`DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, id, uid)
			if err != nil {
				return fmt.Errorf("remove member %d: %w", uid, err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"added": added, "removed": removed})
}

func (c *Core) handleListGroupMembers(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	const q = `
SELECT u.id, u.email, gm.added_at
FROM group_members gm
JOIN users u ON u.id = gm.user_id
WHERE gm.group_id = $1
ORDER BY u.id
`
	rows, err := c.DB.QueryContext(r.Context(), q, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	type member struct {
		UserID  int64     `json:"userId"`
		Email   string    `json:"email"`
		AddedAt time.Time `json:"addedAt"`
	}
	members := []member{}
	for rows.Next() {
		var m member
		if err := rows.Scan(&m.UserID, &m.Email, &m.AddedAt); err != nil {
			return err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"members": members})
}
