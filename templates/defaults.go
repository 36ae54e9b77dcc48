package templates

// Built-in template set. Deployments override any of these by dropping a
// YAML file with the same id into the templates directory.
func defaults() []Template {
	return []Template{
		{
			ID:      PledgeConfirmation,
			Subject: "Pledge confirmed: {{pledge_id}}",
			HTMLBody: `<p>Dear {{donor_name}},</p>
<p>Thank you for your pledge of {{amount}} towards hostel fees ({{chapter}} chapter).</p>
<p>Your pledge reference is <b>{{pledge_id}}</b>. Please quote it (or simply reply to this email) when sharing your transfer receipt.</p>
<p>Warm regards,<br>Hostel Fund Team</p>`,
			Required: []string{"donor_name", "pledge_id", "amount"},
		},
		{
			ID:      HostelVerification,
			Subject: "Ref: {{pledge_id}} - fee transfer of {{amount}}",
			HTMLBody: `<p>Dear Warden,</p>
<p>We have transferred <b>{{amount}}</b> towards the hostel fees of {{student}} (our reference <b>{{alloc_id}}</b>).</p>
<p>Kindly reply to this email confirming the amount has been credited against the student's dues.</p>
<p>Warm regards,<br>Hostel Fund Team</p>`,
			Required: []string{"pledge_id", "alloc_id", "amount", "student"},
		},
		{
			ID:      DonorAllocationIntermediate,
			Subject: "Your donation {{pledge_id}} is being applied",
			HTMLBody: `<p>Dear {{donor_name}},</p>
<p>An amount of <b>{{amount}}</b> from your pledge {{pledge_id}} has been sent towards a student's hostel fees at {{school}} (reference {{alloc_id}}).</p>
<p>We will write again once the hostel confirms the fees are settled.</p>
<p>Warm regards,<br>Hostel Fund Team</p>`,
			Required: []string{"donor_name", "pledge_id", "alloc_id", "amount", "school"},
		},
		{
			ID:      DonorFinal,
			Subject: "Fees settled - {{alloc_id}}",
			HTMLBody: `<p>Dear {{donor_name}},</p>
<p>The hostel has confirmed that the fees covered by your donation (reference {{alloc_id}}, amount <b>{{amount}}</b>) are fully settled.</p>
<p>Thank you for making this possible.</p>
<p>Warm regards,<br>Hostel Fund Team</p>`,
			Required: []string{"donor_name", "alloc_id", "amount"},
		},
		{
			ID:      HostelMailto,
			Subject: "Ref: {{pledge_id}} - follow-up",
			HTMLBody: `Dear Warden,

Following up on our transfer of {{amount}} (reference {{alloc_id}}). Kindly confirm receipt.

Warm regards,
Hostel Fund Team`,
			Required: []string{"pledge_id", "alloc_id", "amount"},
		},
		{
			ID:      BatchIntimation,
			Subject: "Ref: {{batch_id}} - fee transfers totalling {{total_amount}}",
			HTMLBody: `<p>Dear Warden,</p>
<p>We have transferred a total of <b>{{total_amount}}</b> towards hostel fees (our reference <b>{{batch_id}}</b>), covering:</p>
{{lines}}
<p>Kindly reply to this email confirming the amounts have been credited.</p>
<p>Warm regards,<br>Hostel Fund Team</p>`,
			Required: []string{"batch_id", "total_amount", "lines"},
		},
		{
			ID:      BatchMailto,
			Subject: "Ref: {{batch_id}} - follow-up",
			HTMLBody: `Dear Warden,

Following up on our batch transfer of {{total_amount}} (reference {{batch_id}}). Kindly confirm receipt of the individual amounts.

Warm regards,
Hostel Fund Team`,
			Required: []string{"batch_id", "total_amount"},
		},
	}
}
