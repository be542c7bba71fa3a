// SPDX-License-Identifier: Apache-2.0

package intent

// DefaultRules returns the built-in pattern table. Order matters: it breaks
// score ties.
func DefaultRules() []Rule {
	return []Rule{
		{Type: TaskScrape, Patterns: []string{
			`scrape\s+`,
			`scrape\s+(?:this\s+)?(?:the\s+)?(?:website|site|page|url)`,
			`scrape\s+.+\s+from`,
			`extract\s+(?:data\s+)?from`,
			`crawl\s+(?:this\s+)?(?:the\s+)?`,
			`get\s+(?:the\s+)?content\s+from`,
			`parse\s+(?:this\s+)?(?:the\s+)?`,
			`fetch\s+(?:data\s+)?from`,
		}},
		{Type: TaskDatabase, Patterns: []string{
			`query\s+(?:the\s+)?database`,
			`select\s+(?:from|all|\*)`,
			`(?:insert|update|delete)\s+(?:into|from)?`,
			`(?:postgres|mysql|sqlite|mongodb)`,
			`run\s+(?:this\s+)?sql`,
		}},
		{Type: TaskSearch, Patterns: []string{
			`^search\b`,
			`search\s+`,
			`^find\b`,
			`find\s+`,
			`^look\s*(?:up|for|ing)`,
			`^google\b`,
			`^what\s+`,
			`^where\s+`,
			`^how\s+`,
			`^who\s+`,
			`^when\s+`,
			`^why\s+`,
			`^which\s+`,
			`^can\s+(?:i|you)`,
			`^is\s+there`,
			`^are\s+there`,
			`^(?:give|show|get|tell)\s+me`,
			`^i\s+(?:want|need|looking\s+for)`,
			`^(?:i'm|im)\s+looking\s+for`,
			`cheap(?:est)?\s+`,
			`best\s+`,
			`top\s+\d*`,
			`price[s]?\s+`,
			`cost\s+(?:of|for)`,
			`buy\s+`,
			`shop\s+(?:for)?`,
			`purchase\s+`,
			`order\s+`,
			`compare\s+`,
			`review[s]?\s+`,
			`rating[s]?\s+`,
			`recommend`,
			`(?:in|near|around)\s+\w+$`,
			`(?:restaurants?|hotels?|shops?|stores?|places?)\s+(?:in|near)`,
		}},
		{Type: TaskAutomate, Patterns: []string{
			`automate\s+(?:this|the)`,
			`create\s+(?:a\s+)?workflow`,
			`schedule\s+(?:this|a)`,
			`run\s+(?:this\s+)?(?:every|daily|weekly)`,
			`set\s+up\s+(?:a\s+)?(?:pipeline|flow)`,
		}},
		{Type: TaskDeploy, Patterns: []string{
			`deploy\s+`,
			`deploy\s+(?:this|to|the)`,
			`deploy\s+.+\s+to\s+(?:production|staging)`,
			`push\s+to\s+(?:production|staging)`,
			`release\s+(?:this|version)`,
			`ship\s+(?:this|it)`,
		}},
		{Type: TaskNotify, Patterns: []string{
			`send\s+(?:a\s+)?(?:message|notification|alert)`,
			`notify\s+(?:me|team|channel)`,
			`post\s+(?:to|in)\s+(?:slack|channel)`,
			`alert\s+(?:when|if)`,
		}},
		{Type: TaskMonitor, Patterns: []string{
			`monitor\s+(?:this|the)`,
			`watch\s+(?:for|this)`,
			`keep\s+(?:an\s+)?eye\s+on`,
			`track\s+(?:this|the)`,
			`alert\s+(?:me\s+)?(?:if|when)`,
		}},
		{Type: TaskFile, Patterns: []string{
			`read\s+(?:this\s+)?file`,
			`write\s+(?:to\s+)?file`,
			`create\s+(?:a\s+)?file`,
			`list\s+(?:the\s+)?(?:files|directory)`,
			`move\s+(?:this\s+)?file`,
		}},
		{Type: TaskGit, Patterns: []string{
			`(?:git\s+)?(?:commit|push|pull|merge)`,
			`create\s+(?:a\s+)?(?:pr|pull\s+request|branch)`,
			`(?:open|close)\s+(?:an?\s+)?issue`,
			`review\s+(?:the\s+)?(?:pr|code)`,
		}},
		{Type: TaskDocs, Patterns: []string{
			`(?:get|find|check|read)\s+(?:the\s+)?(?:docs|documentation)`,
			`read\s+(?:the\s+)?documentation`,
			`how\s+(?:do\s+I|to)\s+use`,
			`what\s+(?:is|are)\s+the\s+(?:api|methods)`,
			`latest\s+(?:version|docs)`,
		}},
	}
}
