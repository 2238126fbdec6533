package sqlstore

import (
	"context"
	"time"

	"toggl-sync/internal/domain"
)

// Credential returns userID's Toggl credential, opening the sealed token.
func (s *Store) Credential(ctx context.Context, userID string) (domain.Credential, error) {
	const op = "credential"
	if s.sealer == nil {
		return domain.Credential{}, domain.Errorf(domain.KindInvalid, op, "no credentials passphrase configured")
	}
	var sealed string
	c := domain.Credential{UserID: userID}
	err := s.queryRow(ctx, `SELECT api_token, workspace_id FROM credentials WHERE user_id = ?`, userID).Scan(&sealed, &c.WorkspaceID)
	if err != nil {
		return c, s.mapErr(op, err)
	}
	token, err := s.sealer.Open(sealed)
	if err != nil {
		return c, domain.E(domain.KindInvalid, op, err)
	}
	c.APIToken = string(token)
	return c, nil
}

// PutCredential seals and stores c, replacing any previous credential.
func (s *Store) PutCredential(ctx context.Context, c domain.Credential) error {
	const op = "put credential"
	if s.sealer == nil {
		return domain.Errorf(domain.KindInvalid, op, "no credentials passphrase configured")
	}
	if c.UserID == "" || c.APIToken == "" {
		return domain.Errorf(domain.KindInvalid, op, "user id and api token are required")
	}
	sealed, err := s.sealer.Seal([]byte(c.APIToken))
	if err != nil {
		return domain.E(domain.KindInvalid, op, err)
	}
	now := ts(time.Now())
	res, err := s.exec(ctx, `UPDATE credentials SET api_token = ?, workspace_id = ?, updated_at = ? WHERE user_id = ?`,
		sealed, c.WorkspaceID, now, c.UserID)
	if err != nil {
		return s.mapErr(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.exec(ctx, `INSERT INTO credentials (user_id, api_token, workspace_id, updated_at) VALUES (?, ?, ?, ?)`,
		c.UserID, sealed, c.WorkspaceID, now)
	return s.mapErr(op, err)
}

// CredentialUsers lists the users with a stored credential, for scheduled runs.
func (s *Store) CredentialUsers(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT user_id FROM credentials ORDER BY user_id`)
	if err != nil {
		return nil, s.mapErr("credential users", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.mapErr("credential users", err)
		}
		out = append(out, id)
	}
	return out, s.mapErr("credential users", rows.Err())
}
