package api

const accountTransferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["from_account", "to_account", "amount"],
  "properties": {
    "from_account": {"type": "string", "minLength": 1, "maxLength": 40},
    "to_account": {"type": "string", "minLength": 1, "maxLength": 40},
    "receiver_name": {"type": "string", "maxLength": 120},
    "amount": {"type": ["number", "string"]},
    "currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
    "description": {"type": "string", "maxLength": 255}
  }
}`

const mobileTransferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["from_phone", "to_phone", "amount"],
  "properties": {
    "from_phone": {"type": "string", "minLength": 1, "maxLength": 20},
    "to_phone": {"type": "string", "minLength": 1, "maxLength": 20},
    "amount": {"type": ["number", "string"]},
    "currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
    "description": {"type": "string", "maxLength": 255}
  }
}`
