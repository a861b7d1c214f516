package scanning

import (
	"fmt"
	"strings"
)

const jsonOnly = `
Return ONLY valid JSON. Do not include any text before or after the JSON and do not use markdown code blocks.`

const categorizePrompt = `You are an expert financial assistant. The attached media (an image, video, or PDF) may contain one or more receipts.

Identify every distinct receipt. For each one extract:
1. **vendor**: the merchant or business name, usually the largest text at the top.
2. **category**: the most appropriate spending category (e.g. groceries, dining, travel, electronics, health).
3. **items**: the names of all items purchased, as an array of strings. If no items can be read, use an empty array.
4. **totalAmount**: the final total as a number (e.g. 42.75 for $42.75).
5. **date**: the transaction date in YYYY-MM-DD format, or null if it cannot be read.

Respond in this exact format:
{
  "receipts": [
    {"vendor": "Store Name", "category": "groceries", "items": ["Milk", "Bread"], "totalAmount": 0.00, "date": "YYYY-MM-DD"}
  ]
}
If the media contains no receipts, return {"receipts": []}.` + jsonOnly

const itemizePrompt = `You are an expert at analyzing receipts. For every receipt in the attached media extract each line item with its name, unit price, quantity and taxes, plus the receipt total.

Respond in this exact format:
{
  "receipts": [
    {"items": [{"name": "Item", "price": 0.00, "amount": 1, "taxes": 0.00}], "total": 0.00}
  ]
}
Use 0 for taxes when none are shown. If the media contains no receipts, return {"receipts": []}.` + jsonOnly

const warrantyPrompt = `You are an expert at reading receipts for warranty information. Identify every item on the attached receipt that likely comes with a manufacturer or store warranty.

For each such item extract the product name, the purchase date and the warranty end date. Use the warranty terms printed on the receipt when present; otherwise assume standard periods (electronics 1 year, appliances 1-2 years).

Respond in this exact format:
{
  "items": [
    {"productName": "Product", "purchaseDate": "YYYY-MM-DD", "warrantyEndDate": "YYYY-MM-DD"}
  ]
}
If no item carries a warranty, return {"items": []}.` + jsonOnly

const returnPrompt = `You are an expert at reading receipts for return and refund policies. Identify the items on the attached receipt that can be returned and compute the date by which each must be returned.

If a policy is printed (e.g. "30-day returns"), compute the return-by date from the purchase date. Otherwise assume a standard 14-day policy.
Exclude clearly non-returnable perishable goods (fresh food, produce, dairy, bakery) unless the receipt explicitly states a return policy for them.

Respond in this exact format:
{
  "reminders": [
    {"productName": "Product", "purchaseDate": "YYYY-MM-DD", "returnByDate": "YYYY-MM-DD"}
  ]
}
If nothing can be returned, return {"reminders": []}.` + jsonOnly

const itemsPrompt = `You are an expert at reading receipts. Extract only the names of the items purchased on the attached receipt.

Respond in this exact format:
{"items": ["Item one", "Item two"]}` + jsonOnly

const savingsPrompt = `You are a personal finance advisor. Analyze the user's spending data and suggest ways to save money.

Spending data:
%s

User preferences (optional):
%s

Consider recurring subscriptions, frequently purchased items, spending by category and overall trends.

Respond in this exact format:
{"insights": "...", "suggestions": ["...", "..."], "overallAssessment": "..."}` + jsonOnly

const queryPrompt = `You are a helpful assistant that answers questions about the user's purchases. The user may write in any language; answer in the language of the question.

Purchase history (JSON, may be empty):
%s

Question:
%s

Respond in this exact format:
{"response": "your answer"}` + jsonOnly

const shoppingListPrompt = `You are a personal assistant that writes shopping lists that can be saved to a mobile wallet.

Purchase history (JSON, may be empty; prefer products the user already buys):
%s

Request:
%s

Give the list a short title and keep each item to a few words, with a quantity when it matters.

Respond in this exact format:
{"title": "Shopping List", "items": ["2 x Milk", "Bread"]}` + jsonOnly

func fraudPrompt(input FraudInput) string {
	var b strings.Builder
	b.WriteString(`You are an expert in receipt fraud detection. Decide whether the attached receipt is potentially fraudulent.
Consider inconsistencies in the data, signs of editing, unusual patterns and anomalies compared to the user's prior receipts.
`)
	if data := strings.TrimSpace(input.ReceiptData); data != "" {
		fmt.Fprintf(&b, "\nExtracted receipt data:\n%s\n", data)
	}
	if len(input.PriorReceipts) > 0 {
		b.WriteString("\nPrior receipts:\n")
		for _, prior := range input.PriorReceipts {
			b.WriteString("- ")
			b.WriteString(prior)
			b.WriteString("\n")
		}
	} else {
		b.WriteString("\nThere are no prior receipts; judge the receipt on its own.\n")
	}
	b.WriteString(`
Respond in this exact format:
{"isFraudulent": false, "fraudExplanation": "why", "confidenceScore": 0.0}
confidenceScore is your certainty between 0 and 1.`)
	b.WriteString(jsonOnly)
	return b.String()
}
