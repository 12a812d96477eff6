package rlm

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// DefaultQuery is used when the caller supplies no question.
const DefaultQuery = "Please read through the context and answer any queries or respond to any instructions contained within it."

const systemPromptBase = `You are answering a query about an associated context. The context is loaded into a Lua REPL that you drive interactively, and from that REPL you can query sub-LLMs. Use sub-queries when they help; avoid exhaustive or repetitive sub-calls. You will be prompted repeatedly until you give a final answer.

The REPL starts with:
1. A global ` + "`context`" + ` holding the information you need. It is a string, or a Lua table (a list of message strings or decoded JSON). Inspect it before answering.
2. A global ` + "`query`" + ` holding the question.
3. ` + "`llm_query(prompt)`" + `, which sends a string (or a list of strings, or a list of {role=..., content=...} tables) to a sub-LLM that can handle around 500K characters and returns its reply as a string.
4. ` + "`print(...)`" + ` to see values, and a ` + "`json`" + ` table with ` + "`json.encode`" + ` and ` + "`json.decode`" + `.
%RLM%
You only see truncated REPL output, so hand large slices of the context to llm_query rather than printing them. Variables persist between steps: use them as buffers to build your answer. Prefer: sample -> identify structure -> target -> summarize -> answer.

To run Lua, wrap it in a fenced block tagged repl. For example, to look for a magic number in a long string context by chunks:
` + "```repl" + `
local chunk = string.sub(context, 1, 10000)
answer = llm_query("What is the magic number in this text? " .. chunk)
print(answer)
` + "```" + `

If the context is split by Markdown headers, summarize each section and combine:
` + "```repl" + `
buffers = {}
for header, body in string.gmatch(context, "### ([^\n]+)\n(.-)\n%-%-%-") do
  table.insert(buffers, header .. ": " .. llm_query("Summarize the " .. header .. " section: " .. body))
end
final_answer = llm_query("Using these summaries, answer: " .. query .. "\n\n" .. table.concat(buffers, "\n"))
` + "```" + `
In the next step you could then answer with FINAL_VAR(final_answer).

Globals persist across steps; locals declared with ` + "`local`" + ` do not.

IMPORTANT: once you are done, give the final answer with one of these, outside of any code block and at the start of a line:
1. FINAL(your final answer here) to answer directly
2. FINAL_VAR(variable_name) to answer with a global variable you built in the REPL

Think step by step, plan, and carry the plan out in the same response rather than describing what you will do. Stop sub-calling once you have enough information, and make sure the final answer addresses the original query.
`

const rlmToolLine = `5. ` + "`rlm_query(query, context)`" + `, which runs a full recursive sub-session (with its own REPL scope) on the given context and returns its final answer. Pass a list of {query=..., context=...} tables to run several and get a list of answers back.
`

// SystemPrompt returns the system prompt. withRecursion advertises rlm_query.
func SystemPrompt(withRecursion bool) string {
	extra := ""
	if withRecursion {
		extra = rlmToolLine
	}
	return strings.Replace(systemPromptBase, "%RLM%\n", extra, 1)
}

const userPrompt = `Think step by step about what to do with the REPL (which holds the context) to answer the original query: "%QUERY%".

Use the REPL and sub-LLM queries only as needed, avoid exhaustive loops, and stop once you have enough information. Your next action:`

// NextActionPrompt is appended (and removed again) before each model call.
func NextActionPrompt(query string, iteration int, final bool) *schema.Message {
	if final {
		return schema.UserMessage("Based on all the information you have, provide a final answer to the user's query.")
	}
	body := strings.Replace(userPrompt, "%QUERY%", query, 1)
	if iteration == 0 {
		return schema.UserMessage("You have not interacted with the REPL or seen the context yet. Look through it first; do not give a final answer yet.\n\n" + body)
	}
	return schema.UserMessage("The history above is your previous interaction with the REPL. " + body)
}
