package app

import (
	"context"
	"errors"
	"fmt"

	"backit-go/internal/auth"
	"backit-go/internal/backit"
	"backit-go/internal/database"
	"backit-go/internal/hosting"
	"backit-go/internal/session"
	"backit-go/internal/task"
)

// Login runs the device authorization flow. onCode is called with the code
// the user must enter before polling starts. The token and profile are
// stored in the encrypted session record. The profile is nil when it could
// not be fetched.
func (a *BackitApp) Login(ctx context.Context, onCode func(*auth.DeviceCode)) (*backit.Profile, error) {
	var profile *backit.Profile
	err := a.mutate("", func() error {
		grant, err := run(ctx, a, task.KindAuth, func(ctx context.Context) (*auth.Grant, error) {
			flow := a.newFlow()
			code, err := flow.RequestCode(ctx)
			if err != nil {
				return nil, err
			}
			if onCode != nil {
				onCode(code)
			}
			return flow.Poll(ctx)
		})
		if err != nil {
			return err
		}
		rec := &session.Record{AccessToken: grant.Token.AccessToken}
		rec.SetProfile(grant.Profile)
		if err := a.sessions.Save(rec); err != nil {
			return err
		}
		profile = grant.Profile
		if profile != nil {
			a.logger.Info("signed in", "login", profile.Login)
		} else {
			a.logger.Info("signed in without profile")
		}
		return nil
	})
	return profile, err
}

// Logout forgets the stored token and profile.
func (a *BackitApp) Logout() error {
	return a.mutate("", func() error {
		if err := a.sessions.Clear(); err != nil {
			return err
		}
		a.logger.Info("signed out")
		return nil
	})
}

// WhoAmI returns the signed-in profile, refreshed from the API. When the
// refresh fails for any reason but a revoked token, the cached profile is
// returned with the error logged.
func (a *BackitApp) WhoAmI(ctx context.Context) (*backit.Profile, error) {
	rec, err := a.sessionRecord()
	if err != nil {
		return nil, err
	}
	client := hosting.NewClient(rec.AccessToken, a.hostingOptions(), a.logger)
	fresh, err := run(ctx, a, task.KindProfile, client.Profile)
	switch {
	case errors.Is(err, backit.ErrNotAuthenticated):
		return nil, err
	case err != nil:
		cached := rec.Profile()
		if cached == nil {
			return nil, fmt.Errorf("fetching profile: %w", err)
		}
		a.logger.Warn("profile refresh failed, showing cached profile", "error", err)
		return cached, nil
	}
	if rec.Login != fresh.Login || rec.Name != fresh.Name || rec.AvatarURL != fresh.AvatarURL {
		rec.SetProfile(fresh)
		if err := a.sessions.Save(rec); err != nil {
			a.logger.Warn("caching profile failed", "error", err)
		}
	}
	return fresh, nil
}

// Repositories lists the signed-in user's repositories.
func (a *BackitApp) Repositories(ctx context.Context) ([]hosting.Repository, error) {
	rec, err := a.sessionRecord()
	if err != nil {
		return nil, err
	}
	client := hosting.NewClient(rec.AccessToken, a.hostingOptions(), a.logger)
	return run(ctx, a, task.KindRepos, client.Repositories)
}

// Push publishes a snapshot to the remote primary branch, merging remote
// content. A non-empty remoteURL replaces the configured remote and is saved.
func (a *BackitApp) Push(ctx context.Context, id, remoteURL string) (backit.SyncResult, error) {
	return a.publish(ctx, id, remoteURL, false, nil)
}

// Overwrite force-publishes a snapshot, discarding remote history. The
// confirmer is asked before anything is sent.
func (a *BackitApp) Overwrite(ctx context.Context, id, remoteURL string, confirm Confirmer) (backit.SyncResult, error) {
	return a.publish(ctx, id, remoteURL, true, confirm)
}

func (a *BackitApp) publish(ctx context.Context, id, remoteURL string, force bool, confirm Confirmer) (backit.SyncResult, error) {
	p, err := a.currentProject()
	if err != nil {
		return backit.SyncResult{}, err
	}
	target := backit.RemoteTarget{URL: a.cfg.Remote.URL, Branch: a.cfg.Remote.Branch}
	if remoteURL != "" {
		target.URL = remoteURL
	}

	var result backit.SyncResult
	err = a.mutate(id+" "+target.String(), func() error {
		if err := target.Validate(); err != nil {
			return err
		}
		rec, err := a.sessionRecord()
		if err != nil {
			return err
		}
		if force {
			prompt := fmt.Sprintf("Replace all history on %s (%s) with snapshot %s?", target.String(), target.PrimaryBranch(), id)
			if err := ask(confirm, prompt); err != nil {
				return err
			}
		}
		if remoteURL != "" && remoteURL != a.cfg.Remote.URL {
			a.cfg.Remote.URL = remoteURL
			if err := a.saveConfig(); err != nil {
				return err
			}
		}

		target.Token = rec.AccessToken
		result, err = run(ctx, a, task.KindSync, func(ctx context.Context) (backit.SyncResult, error) {
			if force {
				return p.sync.Overwrite(ctx, target, id)
			}
			return p.sync.Push(ctx, target, id)
		})
		a.recordPush(target, id, force, err)
		return err
	})
	return result, err
}

// recordPush journals a publish attempt. A journal failure is only logged.
func (a *BackitApp) recordPush(target backit.RemoteTarget, id string, forced bool, err error) {
	push := &backit.PushRecord{
		OperationID: a.op.ID,
		RemoteURL:   target.String(),
		Branch:      target.PrimaryBranch(),
		SnapshotID:  id,
		Forced:      forced,
		Status:      database.StatusSuccess,
	}
	if err != nil {
		push.Status = database.StatusFailed
		push.Detail = err.Error()
	}
	if jerr := a.journal.RecordPush(push); jerr != nil {
		a.logger.Warn("recording push failed", "error", jerr)
	}
}

// sessionRecord loads the stored session, or ErrNotAuthenticated.
func (a *BackitApp) sessionRecord() (*session.Record, error) {
	rec, err := a.sessions.Load()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, backit.ErrNotAuthenticated
	}
	return rec, nil
}
