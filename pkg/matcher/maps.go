// SPDX-License-Identifier: Apache-2.0

package matcher

import "github.com/jllopis/handoff/pkg/intent"

// DefaultTaskCapabilities is the priority list of capabilities per task type.
// Names absent from the registry are skipped.
func DefaultTaskCapabilities() map[intent.TaskType][]string {
	return map[intent.TaskType][]string{
		intent.TaskScrape:   {"playwright", "firecrawl", "apify"},
		intent.TaskDatabase: {"postgresql", "sqlite", "mongodb"},
		intent.TaskSearch:   {"brave-search", "exa", "tavily"},
		intent.TaskAutomate: {"n8n", "make", "zapier"},
		intent.TaskDeploy:   {"docker", "kubernetes", "github"},
		intent.TaskNotify:   {"slack", "telegram", "email"},
		intent.TaskMonitor:  {"prometheus", "datadog", "cloudwatch"},
		intent.TaskFile:     {"filesystem"},
		intent.TaskGit:      {"github", "git"},
		intent.TaskDocs:     {"context7"},
	}
}

// DefaultTaskSkills lists the internal skills worth suggesting per task type.
func DefaultTaskSkills() map[intent.TaskType][]string {
	return map[intent.TaskType][]string{
		intent.TaskScrape:   {"run-workflow", "fetch-logs"},
		intent.TaskDatabase: {"query-status", "run-pipeline"},
		intent.TaskAutomate: {"run-workflow", "create-task-ledger"},
		intent.TaskDeploy:   {"run-pipeline", "apply-fix"},
		intent.TaskNotify:   {"send-notification"},
		intent.TaskMonitor:  {"query-status", "fetch-logs"},
	}
}
