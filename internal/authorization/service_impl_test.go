package authorization

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/binaryplan/internal/clock"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	networkrepo "github.com/smallbiznis/binaryplan/internal/network/repository"
	networksvc "github.com/smallbiznis/binaryplan/internal/network/service"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAuthorize(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&networkdomain.Member{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	members := networksvc.NewService(networksvc.Params{
		DB: conn, Log: zap.NewNop(), GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)),
		Repo:  networkrepo.Provide(),
		Retry: db.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	ctx := context.Background()
	register := func(email string) *networkdomain.Member {
		res, err := members.Register(ctx, networkdomain.RegisterRequest{Email: email})
		require.NoError(t, err)
		return res.Member
	}
	alice := register("alice@example.com")
	bob := register("bob@example.com")
	admin := register("admin@example.com")
	require.NoError(t, conn.Model(&networkdomain.Member{}).Where("id = ?", admin.ID).Update("role", networkdomain.RoleAdmin).Error)

	enforcer, err := NewEnforcer()
	require.NoError(t, err)
	svc := NewService(Params{Log: zap.NewNop(), Enforcer: enforcer, Members: members})

	aliceActor := MemberActor(alice.ID)
	cases := []struct {
		name   string
		actor  string
		owner  snowflake.ID
		object string
		action string
		err    error
	}{
		{"member views own balance", aliceActor, alice.ID, ObjectPoints, ActionPointsView, nil},
		{"member withdraws own points", aliceActor, alice.ID, ObjectPoints, ActionPointsWithdraw, nil},
		{"member cannot view others", aliceActor, bob.ID, ObjectPoints, ActionPointsView, ErrForbidden},
		{"member cannot credit", aliceActor, alice.ID, ObjectPoints, ActionPointsCredit, ErrForbidden},
		{"member cannot close weeks", aliceActor, 0, ObjectVolume, ActionVolumeCloseWeek, ErrForbidden},
		{"admin credits anyone", MemberActor(admin.ID), bob.ID, ObjectPoints, ActionPointsCredit, nil},
		{"admin deactivates", MemberActor(admin.ID), alice.ID, ObjectMembership, ActionMembershipDeactivate, nil},
		{"system closes weeks", ActorSystem, 0, ObjectVolume, ActionVolumeCloseWeek, nil},
		{"system cannot credit", ActorSystem, bob.ID, ObjectPoints, ActionPointsCredit, ErrForbidden},
		{"unknown actor kind", "api_key:1", 0, ObjectPoints, ActionPointsView, ErrInvalidActor},
		{"empty action", aliceActor, 0, ObjectPoints, " ", ErrInvalidAction},
		{"unknown member", MemberActor(404), 404, ObjectPoints, ActionPointsView, networkdomain.ErrMemberNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.actor, tc.owner, tc.object, tc.action)
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}

	// Demotion takes effect on the next call.
	require.NoError(t, conn.Model(&networkdomain.Member{}).Where("id = ?", admin.ID).Update("role", networkdomain.RoleMember).Error)
	assert.ErrorIs(t, svc.Authorize(ctx, MemberActor(admin.ID), bob.ID, ObjectPoints, ActionPointsCredit), ErrForbidden)
}
