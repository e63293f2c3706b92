/*
Package providers implements the protocol adapters that sit between the
canonical request model and each upstream wire format.

# Adapter Implementation Guide

Every upstream protocol is served by one Adapter:

	type Adapter interface {
		Format() routing.WireFormat
		Encode(req *canonical.Request, target routing.Target) (*NativeRequest, error)
		Authorize(h http.Header, credential string)
		Decode(body []byte) (*canonical.Response, error)
		DecodeStream(body io.ReadCloser) canonical.EventStream
	}

## Request Flow

 1. Ingress parses the client body into a canonical.Request.
 2. The resolver produces routing.Targets (provider plus upstream model).
 3. Registry.ForTarget picks the adapter. OpenAI-format providers switch to
    the Responses adapter for models matching the provider's
    responses_models patterns, or "codex" when none are configured.
 4. Encode renders a NativeRequest; Authorize adds the credential.
 5. The upstream client sends it. Non-2xx responses become UpstreamError via
    ParseError.
 6. Decode or DecodeStream produce canonical output for the egress renderer.

Encode must never mutate the canonical request: the failover executor hands
the same request to every candidate.

## Built-in Adapters

	anthropic          Messages API, x-api-key or OAuth bearer token
	openai             Chat Completions, with dialects:
	                     openai      max_tokens -> max_completion_tokens
	                     openrouter  :online suffix, reasoning object, usage accounting
	                     nvidia      no stream_options, no tool_choice "required"
	openai-responses   Responses API (input items, function_call / function_call_output)
	gemini             generateContent / streamGenerateContent?alt=sse

## Lossy Conversions

Some canonical content has no counterpart upstream and is dropped on Encode:

	thinking parts     Chat, Responses and Gemini (only Anthropic replays them)
	tool result images Responses (function_call_output is text only)
	top_k              Chat and Responses
	stop sequences     Chat keeps the first four

## Streaming

DecodeStream returns a pull-based canonical.EventStream. Decoders emit only
deltas (text, thinking, tool call), usage updates and exactly one terminal
event (stop or error). Block start and stop framing is not part of the
canonical stream; egress renderers synthesize it from changes in
StreamEvent.Index.

Tool call deltas carry ToolCallID and ToolName on the first fragment of a
call and argument fragments afterwards:

	{Type: tool_call_delta, Index: 1, ToolCallID: "call_1", ToolName: "read_file"}
	{Type: tool_call_delta, Index: 1, Arguments: "{\"path\":"}
	{Type: tool_call_delta, Index: 1, Arguments: "\"main.go\"}"}

A stream that ends without its format's completion marker yields an error
wrapping io.ErrUnexpectedEOF instead of a stop event.

## Adding a Format

 1. Add the JSON shapes to internal/wire.
 2. Add a routing.WireFormat constant and accept it in WireFormat.Valid.
 3. Implement Adapter; reuse sseStream with an eventDecoder for streaming.
 4. Register it in Registry.Initialize.
 5. Cover Encode, Decode and DecodeStream with fixtures in a _test.go file.

An OpenAI-compatible vendor with small deviations needs only a Dialect:

	type myDialect struct{}

	func (myDialect) Prepare(out *wire.ChatRequest, req *canonical.Request, h http.Header) {
		out.StreamOptions = nil
	}
*/
package providers
