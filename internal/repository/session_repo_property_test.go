package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/moodterm/moodterm/internal/db"
	"github.com/moodterm/moodterm/internal/model"
)

// A created session reads back with every field intact.
func TestSessionRoundTripProperty(t *testing.T) {
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer conn.Close()

	repo := NewSessionRepository(conn)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	nonEmpty := gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 && len(s) <= 100 })
	envKey := gen.Identifier()

	properties.Property("session persists and can be retrieved", prop.ForAll(
		func(name, shell, workdir string, env map[string]string, exitCode int, stopped bool) bool {
			now := time.Now().Truncate(time.Millisecond)
			session := &model.Session{
				ID:        uuid.NewString(),
				Name:      name,
				Shell:     "/bin/" + shell,
				Workdir:   workdir,
				Env:       env,
				State:     model.SessionStateActive,
				CastPath:  "/tmp/" + name + ".cast",
				CreatedAt: now,
				UpdatedAt: now,
			}
			if stopped {
				session.State = model.SessionStateStopped
				session.EndReason = model.EndReasonEOF
				session.ExitCode = &exitCode
			}

			if err := repo.Create(ctx, session); err != nil {
				t.Logf("failed to create session: %v", err)
				return false
			}
			defer repo.Delete(ctx, session.ID)

			got, err := repo.GetByID(ctx, session.ID)
			if err != nil {
				t.Logf("failed to retrieve session: %v", err)
				return false
			}

			if got.ID != session.ID ||
				got.Name != session.Name ||
				got.Shell != session.Shell ||
				got.Workdir != session.Workdir ||
				got.State != session.State ||
				got.EndReason != session.EndReason ||
				got.CastPath != session.CastPath ||
				!got.CreatedAt.Equal(session.CreatedAt) {
				t.Logf("retrieved session does not match: %+v vs %+v", got, session)
				return false
			}
			if len(got.Env) != len(session.Env) {
				return false
			}
			for k, v := range session.Env {
				if got.Env[k] != v {
					return false
				}
			}
			if stopped != (got.ExitCode != nil) || (stopped && *got.ExitCode != exitCode) {
				return false
			}
			return true
		},
		nonEmpty,
		nonEmpty,
		gen.AlphaString(),
		gen.MapOf(envKey, gen.AlphaString()),
		gen.IntRange(-1, 255),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
