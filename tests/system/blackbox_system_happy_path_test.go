//go:build system

package system_test

import (
	"context"
	"database/sql"
	"os"
	"strings"

	_ "github.com/lib/pq"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.temporal.io/sdk/client"

	"boardroom-orchestrator/internal/domain"
	"boardroom-orchestrator/internal/service"
	appTemporal "boardroom-orchestrator/internal/temporal"
)

var _ = Describe("System blackbox happy path", Ordered, func() {
	var repoRoot string
	var cfg systemTestConfig

	BeforeAll(func() {
		if os.Getenv("RUN_BLACKBOX_SYSTEM_TEST") != "1" {
			Skip("set RUN_BLACKBOX_SYSTEM_TEST=1 to run real blackbox system test")
		}

		cfg = loadSystemTestConfig()

		var err error
		repoRoot, err = findRepoRoot()
		Expect(err).ToNot(HaveOccurred())

		By("verifying required docker compose services (including worker) are already running")
		Expect(requireComposeServicesRunning(repoRoot, cfg.RequiredComposeServices)).To(Succeed())

		By("failing fast if infrastructure is unreachable")
		Expect(waitForPostgres(cfg.PostgresDSN, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForTemporal(cfg.TemporalAddress, cfg.TemporalNamespace, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForHTTPStatus(strings.TrimRight(cfg.APIBaseURL, "/")+cfg.APIHealthPath, 200, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForHTTPStatus(strings.TrimRight(cfg.APIBaseURL, "/")+cfg.APIReadyPath, 200, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForWorkerPoller(cfg.TemporalAddress, cfg.TemporalNamespace, cfg.TemporalTaskQueue, cfg.WorkerPollerTimeout)).To(Succeed())
		Expect(applyMigration(repoRoot, cfg.PostgresDSN)).To(Succeed())
	})

	It("creates a decision over HTTP, collects votes, and finalizes it via a real worker", func() {
		apiBaseURL := strings.TrimRight(cfg.APIBaseURL, "/")

		By("creating a decision exactly like a user")
		view, err := createDecision(apiBaseURL, service.NewDecision{
			Title:        "Choose the offsite venue",
			Participants: []string{"alice", "bob", "carol"},
			Personas:     []string{"finance", "people-ops"},
			Options:      []string{"lisbon", "berlin"},
			Rule:         domain.ThresholdRule{RequireMajority: true},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(view.ID).ToNot(BeEmpty())
		Expect(view.Rounds).To(HaveLen(1))
		roundID := view.Rounds[0].ID

		By("waiting for the first run to pause for votes")
		Eventually(func() any {
			st, err := getState(apiBaseURL, view.ID)
			if err != nil {
				return ""
			}
			return st.State["status"]
		}, cfg.WorkflowCompletionTimeout, cfg.WorkflowPollInterval).Should(Equal(string(domain.RunAwaitingVotes)))

		By("casting every participant's vote")
		Expect(castVote(apiBaseURL, roundID, "alice", "lisbon")).To(Succeed())
		Expect(castVote(apiBaseURL, roundID, "bob", "berlin")).To(Succeed())
		Expect(castVote(apiBaseURL, roundID, "carol", "lisbon")).To(Succeed())

		By("polling the decision until it is finalized")
		var final service.DecisionView
		Eventually(func() domain.DecisionStatus {
			var getErr error
			final, getErr = getDecision(apiBaseURL, view.ID)
			Expect(getErr).ToNot(HaveOccurred())
			Expect(final.Status).ToNot(Equal(domain.DecisionEscalated))
			return final.Status
		}, cfg.WorkflowCompletionTimeout, cfg.WorkflowPollInterval).Should(Equal(domain.DecisionFinalized))
		Expect(final.FinalValue).To(Equal("lisbon"))

		st, err := getState(apiBaseURL, view.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(st.State).To(HaveKeyWithValue("final_value", "lisbon"))
		Expect(st.State["transcript"]).ToNot(BeEmpty())

		By("validating the workflow history")
		temporalClient, err := client.Dial(client.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
		})
		Expect(err).ToNot(HaveOccurred())
		defer temporalClient.Close()

		workflowID := cfg.WorkflowIDPrefix + "-" + view.ID
		trace, err := collectActivityTrace(context.Background(), temporalClient, workflowID)
		Expect(err).ToNot(HaveOccurred())
		Expect(trace.ScheduledOrder).ToNot(BeEmpty())
		Expect(trace.ScheduledOrder[0]).To(Equal("SeedRunActivity"))
		Expect(trace.CompletedOrder).To(Equal(trace.ScheduledOrder))
		Expect(trace.SeedInputs).ToNot(BeEmpty())
		Expect(trace.SeedInputs[0].DecisionID).To(Equal(view.ID))

		last := trace.StepOutputs[len(trace.StepOutputs)-1]
		Expect(last.Halted).To(BeTrue())
		Expect(last.Status).To(Equal(domain.RunFinalized))

		signals, err := collectWorkflowSignalNames(context.Background(), temporalClient, workflowID)
		Expect(err).ToNot(HaveOccurred())
		Expect(signals).To(ContainElement(appTemporal.TriggerSignalName))

		By("verifying persisted votes in Postgres")
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		Expect(err).ToNot(HaveOccurred())
		defer db.Close()

		voters, err := fetchStringRows(db, `SELECT voter_id FROM votes WHERE round_id = $1 ORDER BY voter_id`, roundID)
		Expect(err).ToNot(HaveOccurred())
		Expect(voters).To(Equal([]string{"alice", "bob", "carol"}))

		status, err := fetchStringRows(db, `SELECT status FROM decisions WHERE id = $1`, view.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(Equal([]string{string(domain.DecisionFinalized)}))
	})
})
