package authz

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munigrid/mandate/pkg/connector"
	"github.com/munigrid/mandate/pkg/decision"
	"github.com/munigrid/mandate/pkg/ruleset"
)

func deployIntent(t *testing.T) ruleset.Intent {
	t.Helper()
	intent, ok := ruleset.Default().ResolveIntent("deploy_policy")
	require.True(t, ok)
	return intent
}

func authzRequest(perms []string, delegations []decision.Delegation, timestamp string) *decision.Request {
	return &decision.Request{
		Action:    decision.Action{RequestID: "req-authz"},
		Timestamp: timestamp,
		Operator: decision.Operator{
			ID:          "op-daniels",
			Role:        "clerk",
			Permissions: perms,
			Delegations: delegations,
		},
	}
}

func TestRequiredPermissions(t *testing.T) {
	r := New(ruleset.Default())
	intent := deployIntent(t)

	t.Run("Intent Only", func(t *testing.T) {
		assert.Equal(t, []string{"policy.deploy"}, r.RequiredPermissions(intent, nil))
	})

	t.Run("Union With Connectors", func(t *testing.T) {
		targets := []connector.Target{
			{Connector: "m365", Rest: "records/site", Raw: "m365:records/site"},
			{Connector: "github", Rest: "town/policies", Raw: "github:town/policies"},
		}
		assert.Equal(t, []string{"docs.write", "policy.deploy", "repo.write"}, r.RequiredPermissions(intent, targets))
	})

	t.Run("Unknown Connector Contributes Nothing", func(t *testing.T) {
		targets := []connector.Target{{Connector: "fax", Rest: "x", Raw: "fax:x"}}
		assert.Equal(t, []string{"policy.deploy"}, r.RequiredPermissions(intent, targets))
	})

	t.Run("Duplicates Collapse", func(t *testing.T) {
		targets := []connector.Target{
			{Connector: "m365", Rest: "a", Raw: "m365:a"},
			{Connector: "m365", Rest: "b", Raw: "m365:b"},
		}
		assert.Equal(t, []string{"docs.write", "policy.deploy"}, r.RequiredPermissions(intent, targets))
	})
}

func TestRolePathShortCircuits(t *testing.T) {
	r := New(ruleset.Default())
	intent := deployIntent(t)

	t.Run("Role Covers Requirement", func(t *testing.T) {
		req := authzRequest([]string{"Policy.Deploy"}, nil, "2026-02-10T09:00:00Z")
		grant, denial := r.Resolve(req, intent, nil)
		require.Nil(t, denial)
		require.NotNil(t, grant)
		assert.Equal(t, decision.PermissionByRole, grant.Method)
		assert.Equal(t, []string{"policy.deploy"}, grant.Required)
		assert.Nil(t, grant.Delegation)
	})

	// A satisfied role never yields to a delegation, whatever its precedence.
	t.Run("Role Wins Over Higher Precedence Delegation", func(t *testing.T) {
		req := authzRequest(
			[]string{"policy.deploy"},
			[]decision.Delegation{{
				ID:         "delegation-super",
				Delegator:  "mayor-ruiz",
				Scope:      []string{"*"},
				Precedence: 99,
			}},
			"2026-02-10T09:00:00Z",
		)
		grant, denial := r.Resolve(req, intent, nil)
		require.Nil(t, denial)
		require.NotNil(t, grant)
		assert.Equal(t, decision.PermissionByRole, grant.Method)
		assert.Nil(t, grant.Delegation)
	})
}

func TestDelegationGrantsDeployPolicy(t *testing.T) {
	r := New(ruleset.Default())
	intent := deployIntent(t)

	req := authzRequest(
		nil,
		[]decision.Delegation{{
			Delegator:  "clerk-marin",
			Scope:      []string{"intent:deploy_policy"},
			Precedence: 1,
			From:       "2026-01-01",
		}},
		"2026-02-10T09:00:00Z",
	)
	grant, denial := r.Resolve(req, intent, nil)
	require.Nil(t, denial)
	require.NotNil(t, grant)
	assert.Equal(t, decision.PermissionByDelegation, grant.Method)
	require.NotNil(t, grant.Delegation)
	assert.Equal(t, "clerk-marin/2026-01-01/intent:deploy_policy", grant.Delegation.ID)
	assert.Equal(t, "clerk-marin", grant.Delegation.Delegator)
	assert.Equal(t, 1, grant.Delegation.Precedence)
}

func TestDelegationOrdering(t *testing.T) {
	r := New(ruleset.Default())
	intent := deployIntent(t)

	t.Run("Higher Precedence Wins", func(t *testing.T) {
		req := authzRequest(
			nil,
			[]decision.Delegation{
				{ID: "delegation-low", Delegator: "clerk-marin", Scope: []string{"*"}, Precedence: 1, From: "2026-01-01"},
				{ID: "delegation-high", Delegator: "mayor-ruiz", Scope: []string{"*"}, Precedence: 5, From: "2025-06-01"},
			},
			"2026-02-10T09:00:00Z",
		)
		grant, denial := r.Resolve(req, intent, nil)
		require.Nil(t, denial)
		require.NotNil(t, grant.Delegation)
		assert.Equal(t, "delegation-high", grant.Delegation.ID)
	})

	t.Run("Later From Breaks Precedence Tie", func(t *testing.T) {
		req := authzRequest(
			nil,
			[]decision.Delegation{
				{ID: "delegation-old", Delegator: "clerk-marin", Scope: []string{"*"}, Precedence: 2, From: "2025-06-01"},
				{ID: "delegation-new", Delegator: "mayor-ruiz", Scope: []string{"*"}, Precedence: 2, From: "2026-01-15"},
			},
			"2026-02-10T09:00:00Z",
		)
		grant, denial := r.Resolve(req, intent, nil)
		require.Nil(t, denial)
		require.NotNil(t, grant.Delegation)
		assert.Equal(t, "delegation-new", grant.Delegation.ID)
	})
}

func TestDelegationAmbiguity(t *testing.T) {
	r := New(ruleset.Default())
	intent := deployIntent(t)

	t.Run("Fail: Exact Tie Is Never Broken", func(t *testing.T) {
		req := authzRequest(
			nil,
			[]decision.Delegation{
				{ID: "delegation-a", Delegator: "clerk-marin", Scope: []string{"*"}, Precedence: 3, From: "2026-01-01"},
				{ID: "delegation-b", Delegator: "mayor-ruiz", Scope: []string{"*"}, Precedence: 3, From: "2026-01-01"},
			},
			"2026-02-10T09:00:00Z",
		)
		grant, denial := r.Resolve(req, intent, nil)
		require.Nil(t, grant)
		require.NotNil(t, denial)
		assert.Equal(t, decision.ReasonDelegationAmbiguity, denial.Reason)
		require.Len(t, denial.Candidates, 2)
		assert.Equal(t, "delegation-a (delegator clerk-marin, precedence 3, from 2026-01-01)", denial.Candidates[0])
		assert.Equal(t, "delegation-b (delegator mayor-ruiz, precedence 3, from 2026-01-01)", denial.Candidates[1])
	})

	t.Run("Fail: Candidates Capped At Four", func(t *testing.T) {
		var dels []decision.Delegation
		for i := 0; i < 6; i++ {
			dels = append(dels, decision.Delegation{
				ID:         fmt.Sprintf("delegation-%d", i),
				Delegator:  "clerk-marin",
				Scope:      []string{"*"},
				Precedence: 3,
				From:       "2026-01-01",
			})
		}
		req := authzRequest(nil, dels, "2026-02-10T09:00:00Z")
		grant, denial := r.Resolve(req, intent, nil)
		require.Nil(t, grant)
		require.NotNil(t, denial)
		assert.Equal(t, decision.ReasonDelegationAmbiguity, denial.Reason)
		assert.Len(t, denial.Candidates, 4)
	})

	t.Run("Tie Below The Top Does Not Block", func(t *testing.T) {
		req := authzRequest(
			nil,
			[]decision.Delegation{
				{ID: "delegation-top", Delegator: "mayor-ruiz", Scope: []string{"*"}, Precedence: 9, From: "2026-01-01"},
				{ID: "delegation-a", Delegator: "clerk-marin", Scope: []string{"*"}, Precedence: 3, From: "2026-01-01"},
				{ID: "delegation-b", Delegator: "clerk-singh", Scope: []string{"*"}, Precedence: 3, From: "2026-01-01"},
			},
			"2026-02-10T09:00:00Z",
		)
		grant, denial := r.Resolve(req, intent, nil)
		require.Nil(t, denial)
		require.NotNil(t, grant.Delegation)
		assert.Equal(t, "delegation-top", grant.Delegation.ID)
	})
}

func TestDelegationWindows(t *testing.T) {
	r := New(ruleset.Default())
	intent := deployIntent(t)

	base := decision.Delegation{
		ID:         "delegation-window",
		Delegator:  "clerk-marin",
		Scope:      []string{"intent:deploy_policy"},
		Precedence: 1,
	}

	resolve := func(d decision.Delegation, timestamp string) (*Grant, *Denial) {
		return r.Resolve(authzRequest(nil, []decision.Delegation{d}, timestamp), intent, nil)
	}

	t.Run("Fail: From In The Future", func(t *testing.T) {
		d := base
		d.From = "2026-03-01"
		grant, denial := resolve(d, "2026-02-10T09:00:00Z")
		require.Nil(t, grant)
		require.NotNil(t, denial)
		assert.Equal(t, decision.ReasonInsufficientPermissions, denial.Reason)
	})

	t.Run("Fail: Until Passed", func(t *testing.T) {
		d := base
		d.Until = "2026-01-31"
		grant, denial := resolve(d, "2026-02-10T09:00:00Z")
		require.Nil(t, grant)
		require.NotNil(t, denial)
		assert.Equal(t, decision.ReasonInsufficientPermissions, denial.Reason)
	})

	t.Run("Fail: Legacy To Bound Passed", func(t *testing.T) {
		d := base
		d.To = "2026-01-31"
		grant, denial := resolve(d, "2026-02-10T09:00:00Z")
		require.Nil(t, grant)
		require.NotNil(t, denial)
	})

	t.Run("Until Wins Over To", func(t *testing.T) {
		d := base
		d.Until = "2026-12-31"
		d.To = "2026-01-31"
		grant, denial := resolve(d, "2026-02-10T09:00:00Z")
		require.Nil(t, denial)
		require.NotNil(t, grant)
	})

	t.Run("Fail: Bounded Window Needs A Timestamp", func(t *testing.T) {
		d := base
		d.From = "2026-01-01"
		grant, denial := resolve(d, "")
		require.Nil(t, grant)
		require.NotNil(t, denial)
		assert.Equal(t, decision.ReasonInsufficientPermissions, denial.Reason)
	})

	t.Run("Open Window Active Without Timestamp", func(t *testing.T) {
		grant, denial := resolve(base, "")
		require.Nil(t, denial)
		require.NotNil(t, grant)
		assert.Equal(t, "delegation-window", grant.Delegation.ID)
	})

	t.Run("Fail: Malformed From Disqualifies", func(t *testing.T) {
		d := base
		d.From = "sometime last spring"
		grant, denial := resolve(d, "2026-02-10T09:00:00Z")
		require.Nil(t, grant)
		require.NotNil(t, denial)
	})

	t.Run("Bare Date Bounds Accepted", func(t *testing.T) {
		d := base
		d.From = "2026-01-01"
		d.Until = "2026-12-31"
		grant, denial := resolve(d, "2026-02-10")
		require.Nil(t, denial)
		require.NotNil(t, grant)
	})
}

func TestScopeGrammar(t *testing.T) {
	r := New(ruleset.Default())
	intent := deployIntent(t)
	targets := []connector.Target{{Connector: "m365", Rest: "records/site", Raw: "m365:records/site"}}

	resolve := func(scope []string) (*Grant, *Denial) {
		d := decision.Delegation{ID: "delegation-scope", Delegator: "clerk-marin", Scope: scope, Precedence: 1}
		return r.Resolve(authzRequest(nil, []decision.Delegation{d}, "2026-02-10T09:00:00Z"), intent, targets)
	}

	grants := map[string][]string{
		"Wildcard":             {"*"},
		"Qualified Intent":     {"intent:deploy_policy"},
		"Bare Intent":          {"deploy_policy"},
		"Qualified Permission": {"permission:policy.deploy"},
		"Bare Permission":      {"docs.write"},
		"Qualified Connector":  {"connector:m365"},
		"Mixed With Misses":    {"intent:archive_record", "connector:m365"},
	}
	for name, scope := range grants {
		t.Run(name, func(t *testing.T) {
			grant, denial := resolve(scope)
			require.Nil(t, denial)
			require.NotNil(t, grant)
			assert.Equal(t, decision.PermissionByDelegation, grant.Method)
		})
	}

	denials := map[string][]string{
		"Fail: Unrelated Intent":      {"intent:schedule_meeting"},
		"Fail: Unrelated Permission":  {"permission:chat.post"},
		"Fail: Untouched Connector":   {"connector:slack"},
		"Fail: Empty Scope":           nil,
		"Fail: Blank Entries Ignored": {"", "   "},
	}
	for name, scope := range denials {
		t.Run(name, func(t *testing.T) {
			grant, denial := resolve(scope)
			require.Nil(t, grant)
			require.NotNil(t, denial)
			assert.Equal(t, decision.ReasonInsufficientPermissions, denial.Reason)
		})
	}

	t.Run("Legacy Requested Name Matches", func(t *testing.T) {
		legacy, ok := ruleset.Default().ResolveIntent("policy_rollout")
		require.True(t, ok)
		d := decision.Delegation{ID: "delegation-legacy", Delegator: "clerk-marin", Scope: []string{"intent:policy_rollout"}, Precedence: 1}
		grant, denial := r.Resolve(authzRequest(nil, []decision.Delegation{d}, "2026-02-10T09:00:00Z"), legacy, nil)
		require.Nil(t, denial)
		require.NotNil(t, grant)
	})
}

func TestDelegateeFilter(t *testing.T) {
	r := New(ruleset.Default())
	intent := deployIntent(t)

	t.Run("Fail: Addressed To Someone Else", func(t *testing.T) {
		d := decision.Delegation{
			ID: "delegation-other", Delegator: "clerk-marin",
			Delegatee: "op-keller", Scope: []string{"*"}, Precedence: 1,
		}
		grant, denial := r.Resolve(authzRequest(nil, []decision.Delegation{d}, "2026-02-10T09:00:00Z"), intent, nil)
		require.Nil(t, grant)
		require.NotNil(t, denial)
		assert.Equal(t, decision.ReasonInsufficientPermissions, denial.Reason)
	})

	t.Run("Addressed To The Operator", func(t *testing.T) {
		d := decision.Delegation{
			ID: "delegation-mine", Delegator: "clerk-marin",
			Delegatee: "op-daniels", Scope: []string{"*"}, Precedence: 1,
		}
		grant, denial := r.Resolve(authzRequest(nil, []decision.Delegation{d}, "2026-02-10T09:00:00Z"), intent, nil)
		require.Nil(t, denial)
		require.NotNil(t, grant)
	})
}

func TestInsufficientPermissions(t *testing.T) {
	r := New(ruleset.Default())
	intent := deployIntent(t)
	targets := []connector.Target{{Connector: "github", Rest: "town/policies", Raw: "github:town/policies"}}

	req := authzRequest([]string{"repo.write"}, nil, "2026-02-10T09:00:00Z")
	grant, denial := r.Resolve(req, intent, targets)
	require.Nil(t, grant)
	require.NotNil(t, denial)
	assert.Equal(t, decision.ReasonInsufficientPermissions, denial.Reason)
	assert.Equal(t, []string{"policy.deploy", "repo.write"}, denial.Required)
	assert.Equal(t, []string{"policy.deploy"}, denial.Missing)
}
