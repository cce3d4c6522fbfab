// Package continuation decides whether an agent keeps stepping on its own
// after a model response or hands control back.
//
// Decide applies its rules in a fixed order and the first match wins:
//
//  1. the iteration cap or the turn timeout forces TERMINATE;
//  2. an explicit signal in the response is honored as given;
//  3. pending tool calls mean CONTINUE;
//  4. otherwise the model capability fallback applies (both single and
//     multi tool-call models stop once no tool calls remain);
//  5. anything else is TERMINATE.
//
// An explicit signal always takes precedence over the capability fallback.
package continuation
